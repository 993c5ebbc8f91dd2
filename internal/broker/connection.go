// Package broker owns the RabbitMQ connection, the queue subscriptions and
// the reply path.
//
// The Manager dials the broker, declares the reply queue and every consumer
// queue, and subscribes each with its own prefetch window. When the connection
// is lost it reconnects with a constant delay, up to MaxRetries consecutive
// failures; exhaustion is returned to the caller as ErrRetriesExhausted.
//
// Connection state is one of Connected, Closing or Closed. Only a transition
// out of Connected triggers a reconnect, so any number of close notifications
// for one connection cause at most one reconnect attempt.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mattjoyce/bouncer-worker/internal/log"
)

var (
	// ErrRetriesExhausted is returned by Run when the broker stays unreachable.
	ErrRetriesExhausted = errors.New("broker connection retries exhausted")
	// ErrNotConnected is returned by publishes while no connection is up.
	ErrNotConnected = errors.New("broker not connected")
)

// State is the connection state.
type State int

const (
	StateClosed State = iota
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Options configures a Manager.
type Options struct {
	URL string
	// ReplyQueue receives every status message.
	ReplyQueue string
	// PublishQueues are declared on connect so hand-off publishes have a target.
	PublishQueues []string
	Subscriptions []Subscription
	MaxRetries    int
	RetryDelay    time.Duration
	Dial          Dialer
}

// Manager maintains the broker connection and its subscriptions.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	conn      Connection
	gen       int
	lost      chan struct{}
	retries   int
	connected time.Time

	pubMu     sync.Mutex
	publisher Channel

	inflight sync.WaitGroup
}

// NewManager creates a Manager. Dial defaults to DialAMQP.
func NewManager(opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = DialAMQP
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Manager{
		opts:   opts,
		logger: log.WithComponent("broker"),
		state:  StateClosed,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectedSince returns when the current connection was established.
func (m *Manager) ConnectedSince() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected, m.state == StateConnected
}

// Run connects and keeps the connection alive until ctx is cancelled (nil
// error) or reconnection fails MaxRetries times in a row (ErrRetriesExhausted).
func (m *Manager) Run(ctx context.Context) error {
	defer m.shutdown()

	for {
		lost, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			m.logger.Warn("broker connection lost, reconnecting")
		}
	}
}

// Wait blocks until every in-flight delivery handler has returned.
func (m *Manager) Wait() { m.inflight.Wait() }

// connect dials until it succeeds or the retry budget is spent. It returns
// the channel that is closed when this connection is lost.
func (m *Manager) connect(ctx context.Context) (<-chan struct{}, error) {
	for {
		lost, err := m.establish(ctx)
		if err == nil {
			return lost, nil
		}

		m.mu.Lock()
		m.retries++
		attempt := m.retries
		m.mu.Unlock()

		if attempt > m.opts.MaxRetries {
			m.logger.Error("giving up on broker", "attempts", attempt, "error", err)
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		m.logger.Warn("broker connection failed, retrying",
			"attempt", attempt, "max_retries", m.opts.MaxRetries, "delay", m.opts.RetryDelay, "error", err)

		timer := time.NewTimer(m.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// establish dials, declares queues and subscribes everything on one connection.
func (m *Manager) establish(ctx context.Context) (<-chan struct{}, error) {
	conn, err := m.opts.Dial(m.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	publisher, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	for _, q := range append([]string{m.opts.ReplyQueue}, m.opts.PublishQueues...) {
		if q == "" {
			continue
		}
		if _, err := publisher.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	var subs []*subscription
	for _, sub := range m.opts.Subscriptions {
		s, err := m.subscribe(conn, sub)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		subs = append(subs, s)
	}

	lost := make(chan struct{})
	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.lost = lost
	m.retries = 0
	m.connected = time.Now()
	m.mu.Unlock()

	m.pubMu.Lock()
	m.publisher = publisher
	m.pubMu.Unlock()

	go m.watch(gen, conn.NotifyClose(make(chan *amqp.Error, 1)), "connection closed")
	go m.watch(gen, publisher.NotifyClose(make(chan *amqp.Error, 1)), "publish channel closed")

	for _, s := range subs {
		go m.consume(ctx, gen, s)
	}

	m.logger.Info("connected to broker", "subscriptions", len(subs), "reply_queue", m.opts.ReplyQueue)
	return lost, nil
}

// watch reports the loss of generation gen when notify fires or closes.
func (m *Manager) watch(gen int, notify <-chan *amqp.Error, what string) {
	amqpErr, ok := <-notify
	reason := errors.New(what)
	if ok && amqpErr != nil {
		reason = fmt.Errorf("%s: %w", what, amqpErr)
	}
	m.connectionLost(gen, reason)
}

// connectionLost moves Connected → Closed once per connection generation and
// closes that generation's connection, so consumers still running on it stop
// before the reconnect subscribes them again. It reports whether this call
// triggered the reconnect.
func (m *Manager) connectionLost(gen int, reason error) bool {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return false
	}
	m.logger.Warn("broker connection closed", "reason", reason)
	m.state = StateClosed
	conn := m.conn
	m.conn = nil
	close(m.lost)
	m.mu.Unlock()

	m.pubMu.Lock()
	m.publisher = nil
	m.pubMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.logger.Debug("error closing lost connection", "error", err)
		}
	}
	return true
}

// shutdown closes the connection deliberately; no reconnect follows.
func (m *Manager) shutdown() {
	m.mu.Lock()
	conn := m.conn
	m.state = StateClosing
	m.conn = nil
	m.mu.Unlock()

	m.pubMu.Lock()
	m.publisher = nil
	m.pubMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.logger.Warn("error closing broker connection", "error", err)
		}
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
}

// publish sends one persistent message to queue on the default exchange.
func (m *Manager) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if m.publisher == nil {
		return ErrNotConnected
	}
	msg.DeliveryMode = amqp.Persistent
	if err := m.publisher.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}
