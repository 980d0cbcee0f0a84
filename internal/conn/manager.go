// Package conn owns the push connection for the open conversation.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Direction of a frame relative to this client.
const (
	Inbound  = "in"
	Outbound = "out"
)

// URLFunc resolves the push URL for a conversation.
type URLFunc func(id chat.ID) (string, error)

// FrameHandler receives every inbound frame, in delivery order.
type FrameHandler func(id chat.ID, frame []byte)

// Tap observes raw frames in both directions.
type Tap interface {
	Tap(direction string, id chat.ID, frame []byte)
}

// ConnError is the payload of conn.error events.
type ConnError struct {
	ConversationID chat.ID
	Op             string
	Err            string
}

// Option configures a Manager.
type Option func(*Manager)

// WithReconnectDelay sets the fixed delay between a close and the next dial.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.delay = d }
}

// WithHandler sets the inbound frame handler.
func WithHandler(h FrameHandler) Option {
	return func(m *Manager) { m.handler = h }
}

// WithTap sets a frame observer.
func WithTap(t Tap) Option {
	return func(m *Manager) { m.tap = t }
}

// WithWriteTimeout bounds a single outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

// Manager keeps one connection open for one target conversation and
// reconnects after every close until Disconnect is called.
type Manager struct {
	dialer       transport.Dialer
	urlFor       URLFunc
	machine      *status.Machine
	bus          *bus.Bus
	logger       *zap.Logger
	handler      FrameHandler
	tap          Tap
	delay        time.Duration
	writeTimeout time.Duration

	// opMu serializes Connect and Disconnect.
	opMu sync.Mutex

	mu     sync.Mutex
	target chat.ID
	cancel context.CancelFunc
	done   chan struct{}
	conn   transport.Conn
}

// NewManager creates an idle connection manager.
func NewManager(dialer transport.Dialer, urlFor URLFunc, machine *status.Machine, b *bus.Bus, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewMachine(b)
	}
	m := &Manager{
		dialer:       dialer,
		urlFor:       urlFor,
		machine:      machine,
		bus:          b,
		logger:       logger,
		delay:        3 * time.Second,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect starts the connection loop for id. It is a no-op when a loop for
// the same conversation is already running. A loop for another conversation
// is stopped first.
func (m *Manager) Connect(id chat.ID) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	running := m.cancel != nil
	same := m.target == id
	m.mu.Unlock()
	if running && same {
		return
	}
	if running {
		m.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.target = id
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	m.machine.SetTarget(id)

	m.logger.Info("connecting", zap.String("conversation", string(id)))
	go m.run(ctx, id, done)
}

// Disconnect stops the loop, closes the connection and cancels any pending
// reconnect. The manager ends Idle.
func (m *Manager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stop()
}

func (m *Manager) stop() {
	m.mu.Lock()
	cancel, done, c, id := m.cancel, m.done, m.conn, m.target
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	if c != nil {
		_ = c.Close()
	}
	<-done

	m.mu.Lock()
	m.target = ""
	m.mu.Unlock()
	m.transition(status.Idle)
	m.machine.SetTarget("")
	m.logger.Info("disconnected", zap.String("conversation", string(id)))
}

// Send marshals v and writes it if the connection is open. Otherwise the
// envelope is dropped. It reports whether the frame was written.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	c, id := m.conn, m.target
	m.mu.Unlock()
	if c == nil || m.machine.Current() != status.Open {
		m.logger.Debug("dropping outbound frame, connection not open")
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("marshal outbound frame", zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()
	if err := c.Write(ctx, data); err != nil {
		m.report(id, "write", err)
		return false
	}
	if m.tap != nil {
		m.tap.Tap(Outbound, id, data)
	}
	return true
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Target returns the conversation the manager is connected (or connecting) to.
func (m *Manager) Target() chat.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

func (m *Manager) run(ctx context.Context, id chat.ID, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		m.transition(status.Connecting)
		err := m.session(ctx, id)
		if ctx.Err() != nil {
			return
		}
		m.report(id, "connection", err)
		m.transition(status.Closed)

		timer.Reset(m.delay)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// session dials once and reads until the connection fails.
func (m *Manager) session(ctx context.Context, id chat.ID) error {
	url, err := m.urlFor(id)
	if err != nil {
		return fmt.Errorf("resolve url: %w", err)
	}
	c, err := m.dialer.Dial(ctx, url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.conn == c {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = c.Close()
	}()

	m.transition(status.Open)
	m.logger.Info("connection open", zap.String("conversation", string(id)))

	for {
		frame, err := c.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if m.tap != nil {
			m.tap.Tap(Inbound, id, frame)
		}
		if m.handler != nil {
			m.handler(id, frame)
		}
	}
}

func (m *Manager) transition(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("state transition rejected", zap.Error(err))
	}
}

func (m *Manager) report(id chat.ID, op string, err error) {
	if err == nil {
		return
	}
	m.logger.Warn("push connection error",
		zap.String("conversation", string(id)),
		zap.String("op", op),
		zap.Error(err),
		zap.Duration("retry_in", m.delay),
	)
	m.bus.Emit(bus.ConnError, ConnError{ConversationID: id, Op: op, Err: err.Error()})
}
