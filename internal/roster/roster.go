// Package roster tracks the directory of available rooms: request the list,
// ask for new rooms, and mirror whatever roster the backend pushes. Much
// simpler than a room session — there is no state machine, just a list and
// two transient flags.
package roster

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DoyleJ11/go-chat-client/pkg/protocol"
)

// Socket is the slice of the connection handle the directory needs.
type Socket interface {
	Emit(event string, payload any)
	On(event string, fn func(json.RawMessage)) (off func())
}

// Snapshot is the immutable directory view. Loading covers the first fetch,
// Refreshing a caller-requested re-fetch; any roster update clears both.
type Snapshot struct {
	Rooms      []protocol.RoomInfo
	Loading    bool
	Refreshing bool
}

type msg interface{ isDirectoryMsg() }

type listCmd struct{}

type refreshCmd struct{}

type createCmd struct{ name string }

type updateEvt struct{ data json.RawMessage }

type watchCmd struct {
	ch    chan Snapshot
	reply chan func()
}

type unwatchCmd struct{ id int }

type closeCmd struct{ done chan struct{} }

func (listCmd) isDirectoryMsg()    {}
func (refreshCmd) isDirectoryMsg() {}
func (createCmd) isDirectoryMsg()  {}
func (updateEvt) isDirectoryMsg()  {}
func (watchCmd) isDirectoryMsg()   {}
func (unwatchCmd) isDirectoryMsg() {}
func (closeCmd) isDirectoryMsg()   {}

type Directory struct {
	inbox    chan msg
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger
	sock     Socket
	identity string

	last atomic.Value // Snapshot

	// loop-owned
	rooms      []protocol.RoomInfo
	loading    bool
	refreshing bool
	listed     bool
	off        func()
	watchers   map[int]chan Snapshot
	nextWatch  int
}

func New(sock Socket, identity string, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Directory{
		inbox:    make(chan msg, 32),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		sock:     sock,
		identity: identity,
		loading:  true,
		watchers: make(map[int]chan Snapshot),
	}
	d.off = sock.On(protocol.EvtRoomsUpdate, func(data json.RawMessage) {
		d.post(updateEvt{data: data})
	})
	d.last.Store(d.snapshot())

	go d.loop()
	return d
}

// List requests the full roster. Emits at most once; use Refresh to
// re-request.
func (d *Directory) List() { d.post(listCmd{}) }

// Refresh re-requests the roster and raises the refreshing flag until the
// next update lands.
func (d *Directory) Refresh() { d.post(refreshCmd{}) }

// Create asks the backend for a new room. A blank name is a silent no-op.
func (d *Directory) Create(name string) {
	if protocol.IsBlank(name) {
		return
	}
	d.post(createCmd{name: name})
}

// View returns the most recently published snapshot.
func (d *Directory) View() Snapshot {
	return d.last.Load().(Snapshot)
}

// Watch registers a snapshot channel; the current snapshot arrives
// immediately. The channel closes at Close.
func (d *Directory) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)
	reply := make(chan func(), 1)
	select {
	case d.inbox <- watchCmd{ch: ch, reply: reply}:
		select {
		case off := <-reply:
			return ch, off
		case <-d.ctx.Done():
		}
	case <-d.ctx.Done():
	}
	close(ch)
	return ch, func() {}
}

// Close revokes the roster subscription and stops the loop. Safe to call
// twice.
func (d *Directory) Close() {
	done := make(chan struct{})
	select {
	case d.inbox <- closeCmd{done: done}:
		select {
		case <-done:
		case <-d.ctx.Done():
		}
	case <-d.ctx.Done():
	}
}

func (d *Directory) post(m msg) {
	select {
	case d.inbox <- m:
	case <-d.ctx.Done():
	}
}

func (d *Directory) loop() {
	for {
		select {
		case <-d.ctx.Done():
			return

		case m := <-d.inbox:
			switch m := m.(type) {
			case listCmd:
				if d.listed {
					break
				}
				d.listed = true
				d.sock.Emit(protocol.EvtRoomsList, nil)

			case refreshCmd:
				d.refreshing = true
				d.sock.Emit(protocol.EvtRoomsList, nil)
				d.publish()

			case createCmd:
				d.sock.Emit(protocol.EvtRoomCreate, protocol.CreateRoomRequest{
					Name:      m.name,
					CreatedBy: d.identity,
				})

			case updateEvt:
				var rooms []protocol.RoomInfo
				if err := json.Unmarshal(m.data, &rooms); err != nil {
					d.log.Warn("bad rooms:update payload", zap.Error(err))
					break
				}
				d.rooms = rooms // wholesale, no incremental patching
				d.loading = false
				d.refreshing = false
				d.publish()

			case watchCmd:
				id := d.nextWatch
				d.nextWatch++
				d.watchers[id] = m.ch
				m.ch <- d.snapshot()
				m.reply <- func() { d.post(unwatchCmd{id: id}) }

			case unwatchCmd:
				if ch, ok := d.watchers[m.id]; ok {
					delete(d.watchers, m.id)
					close(ch)
				}

			case closeCmd:
				d.off()
				for id, ch := range d.watchers {
					close(ch)
					delete(d.watchers, id)
				}
				d.cancel()
				close(m.done)
				return
			}
		}
	}
}

func (d *Directory) publish() {
	snap := d.snapshot()
	d.last.Store(snap)
	for _, ch := range d.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (d *Directory) snapshot() Snapshot {
	snap := Snapshot{Loading: d.loading, Refreshing: d.refreshing}
	if len(d.rooms) > 0 {
		snap.Rooms = append([]protocol.RoomInfo(nil), d.rooms...)
	}
	return snap
}
