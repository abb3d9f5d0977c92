// Package socket owns the process-wide connection to the chat backend: a
// single long-lived handle carrying named events both ways. Consumers emit
// fire-and-forget and subscribe with revocable handles; reconnection is
// handled here and nowhere else.
package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/go-chat-client/pkg/protocol"
)

// Fixed connection policy, mirroring the production client configuration.
// Not user-configurable; vars only so tests can compress the timings.
var (
	dialTimeout       = 20 * time.Second
	reconnectDelay    = time.Second
	reconnectAttempts = 10
)

const (
	writeTimeout = 3 * time.Second
	outboxSize   = 64
)

// Transport is one framed bidirectional pipe to the backend.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a Transport. The Config carries an ordered list; every
// connection attempt tries them in preference order.
type Dialer func(ctx context.Context, url string) (Transport, error)

type Config struct {
	URL     string
	Dialers []Dialer
}

// Manager hands out the single shared connection handle. Initialization
// happens at most once per process; every Acquire after the first returns
// the same *Conn, connected or not.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu   sync.Mutex
	conn *Conn
}

func NewManager(cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Dialers) == 0 {
		cfg.Dialers = []Dialer{Websocket}
	}
	return &Manager{cfg: cfg, log: log}
}

// Acquire returns the shared handle, constructing it on first call. The
// handle has no teardown: it lives for the process lifetime, and a dial
// failure only means it keeps retrying per the reconnection policy.
func (m *Manager) Acquire() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		m.conn = newConn(m.cfg, m.log)
	}
	return m.conn
}

type handlerEntry struct {
	id int
	fn func(json.RawMessage)
}

// Conn is the long-lived connection handle. All inbound frames are decoded
// and dispatched to subscribers on a single goroutine, so handlers never run
// concurrently with each other.
type Conn struct {
	cfg Config
	log *zap.Logger
	out chan []byte

	mu       sync.Mutex
	nextID   int
	handlers map[string][]handlerEntry
}

func newConn(cfg Config, log *zap.Logger) *Conn {
	c := &Conn{
		cfg:      cfg,
		log:      log,
		out:      make(chan []byte, outboxSize),
		handlers: make(map[string][]handlerEntry),
	}
	go c.run()
	return c
}

// Emit queues a named event for delivery, fire-and-forget. Encode or
// transport trouble is logged, never surfaced to the caller.
func (c *Conn) Emit(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.log.Error("emit: encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case c.out <- frame:
	default:
		c.log.Warn("emit: outbox full, dropping frame", zap.String("event", event))
	}
}

// On registers a handler for a named event and returns its unsubscribe
// handle. Handlers run in registration order; off is idempotent.
func (c *Conn) On(event string, fn func(json.RawMessage)) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		hs := c.handlers[event]
		for i, h := range hs {
			if h.id == id {
				c.handlers[event] = append(hs[:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (c *Conn) dispatch(frame []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	hs := append([]handlerEntry(nil), c.handlers[env.Event]...)
	c.mu.Unlock()

	for _, h := range hs {
		h.fn(env.Data)
	}
}

func (c *Conn) run() {
	for failures := 0; ; {
		tr, err := c.dial()
		if err != nil {
			failures++
			c.log.Warn("connect error",
				zap.String("url", c.cfg.URL),
				zap.Int("attempt", failures),
				zap.Error(err))
			if failures >= reconnectAttempts {
				c.log.Error("giving up after max reconnection attempts",
					zap.Int("attempts", failures))
				return
			}
			time.Sleep(reconnectDelay)
			continue
		}
		failures = 0
		c.log.Info("connected", zap.String("url", c.cfg.URL))

		err = c.serve(tr)
		c.log.Warn("connection lost", zap.Error(err))
		time.Sleep(reconnectDelay)
	}
}

func (c *Conn) dial() (Transport, error) {
	var lastErr error
	for _, d := range c.cfg.Dialers {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		tr, err := d(ctx, c.cfg.URL)
		cancel()
		if err == nil {
			return tr, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// serve pumps frames both ways until the transport fails.
func (c *Conn) serve(tr Transport) error {
	done := make(chan struct{})
	defer close(done)
	defer tr.Close()

	go func() {
		for {
			select {
			case frame := <-c.out:
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				err := tr.Write(ctx, frame)
				cancel()
				if err != nil {
					c.log.Warn("write failed", zap.Error(err))
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		frame, err := tr.Read(context.Background())
		if err != nil {
			return err
		}
		c.dispatch(frame)
	}
}
