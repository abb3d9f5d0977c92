package session

import "github.com/DoyleJ11/go-chat-client/pkg/protocol"

// Log is the message reconciler: an append-only, insertion-ordered sequence.
// The history seed replaces the sequence wholesale; everything after that
// appends in arrival order. There is no dedupe on receipt because the backend
// never echoes a sender's own message back to them; if that contract ever
// changes, Append is the one place to add id-based idempotence.
type Log struct {
	msgs []protocol.Message
}

// ReplaceAll seeds the log from server-side history. Used once, at join time.
func (l *Log) ReplaceAll(history []protocol.Message) {
	l.msgs = append([]protocol.Message(nil), history...)
}

func (l *Log) Append(m protocol.Message) {
	l.msgs = append(l.msgs, m)
}

// Messages returns a copy; log entries are never mutated after creation.
func (l *Log) Messages() []protocol.Message {
	out := make([]protocol.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *Log) Len() int { return len(l.msgs) }
