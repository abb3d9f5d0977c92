// Package typing tracks which peers are currently composing a message.
//
// The table is owned by a single actor loop: Observe, Expire, Users and Stop
// must all be called from that loop. Timers fire on their own goroutines, so
// they never touch the table directly; they hand an Expiry back to the owner
// (via the fire callback), and the owner feeds it into Expire. A generation
// counter per identity makes refreshed signals cancel-and-restart rather than
// stack timers: a fire carrying a stale generation is simply dropped.
package typing

import "time"

// Expiry is delivered to the owner when an identity's quiet window elapses.
// Gen ties the fire to the signal that armed it.
type Expiry struct {
	User string
	Gen  int
}

type Table struct {
	self   string
	window time.Duration
	fire   func(Expiry)

	gens   map[string]int
	timers map[string]*time.Timer
	order  []string
}

// NewTable returns an empty table. self is the local identity, which never
// enters the table. fire is invoked from a timer goroutine when a window
// elapses; implementations should forward it to the owning loop.
func NewTable(self string, window time.Duration, fire func(Expiry)) *Table {
	return &Table{
		self:   self,
		window: window,
		fire:   fire,
		gens:   make(map[string]int),
		timers: make(map[string]*time.Timer),
	}
}

// Observe inserts or refreshes user and (re)arms its expiry timer, measured
// from now. It reports whether the set of users changed.
func (t *Table) Observe(user string) bool {
	if user == "" || user == t.self {
		return false
	}

	gen := t.gens[user] + 1
	t.gens[user] = gen

	if tm, ok := t.timers[user]; ok {
		tm.Stop()
	}
	t.timers[user] = time.AfterFunc(t.window, func() {
		t.fire(Expiry{User: user, Gen: gen})
	})

	if !t.contains(user) {
		t.order = append(t.order, user)
		return true
	}
	return false
}

// Expire removes the identity named by e if e carries the current generation.
// Stale fires (an old timer that lost the race with a refresh) are dropped.
// It reports whether the set of users changed.
func (t *Table) Expire(e Expiry) bool {
	if t.gens[e.User] != e.Gen {
		return false
	}
	delete(t.gens, e.User)
	if tm, ok := t.timers[e.User]; ok {
		tm.Stop()
		delete(t.timers, e.User)
	}
	for i, u := range t.order {
		if u == e.User {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return true
		}
	}
	return false
}

// Users returns the identities currently typing, oldest first.
func (t *Table) Users() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *Table) Len() int { return len(t.order) }

// Stop cancels every pending timer and clears the table. Fires already in
// flight will be rejected by Expire since their generations are gone.
func (t *Table) Stop() {
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = make(map[string]*time.Timer)
	t.gens = make(map[string]int)
	t.order = nil
}

func (t *Table) contains(user string) bool {
	for _, u := range t.order {
		if u == user {
			return true
		}
	}
	return false
}
