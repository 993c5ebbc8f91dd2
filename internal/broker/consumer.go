package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mattjoyce/bouncer-worker/internal/job"
	"github.com/mattjoyce/bouncer-worker/internal/log"
)

// ErrAlreadyTerminal is returned when a second terminal reply is attempted.
var ErrAlreadyTerminal = errors.New("terminal reply already sent")

// Subscription binds a durable queue to a handler.
type Subscription struct {
	Queue    string
	Prefetch int
	Handler  job.Handler
}

type subscription struct {
	Subscription
	ch         Channel
	tag        string
	deliveries <-chan amqp.Delivery
}

// subscribe opens a dedicated channel so each queue gets its own prefetch window.
func (m *Manager) subscribe(conn Connection, sub Subscription) (*subscription, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel for %s: %w", sub.Queue, err)
	}
	if _, err := ch.QueueDeclare(sub.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch on %s: %w", sub.Queue, err)
	}

	tag := "bouncer-worker-" + uuid.NewString()
	deliveries, err := ch.Consume(sub.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", sub.Queue, err)
	}

	m.logger.Info("waiting for messages", "queue", sub.Queue, "prefetch", prefetch, "consumer_tag", tag)
	return &subscription{Subscription: sub, ch: ch, tag: tag, deliveries: deliveries}, nil
}

// consume hands each delivery to the handler in its own goroutine. The
// prefetch window bounds how many run at once. A closed delivery channel
// counts as a lost connection.
func (m *Manager) consume(ctx context.Context, gen int, s *subscription) {
	logger := log.WithQueue(s.Queue)
	for d := range s.deliveries {
		m.inflight.Add(1)
		go func(d amqp.Delivery) {
			defer m.inflight.Done()
			m.handle(ctx, logger, s, d)
		}(d)
	}
	m.connectionLost(gen, fmt.Errorf("delivery channel for %s closed", s.Queue))
}

func (m *Manager) handle(ctx context.Context, logger *slog.Logger, s *subscription, d amqp.Delivery) {
	logger.Info("received message", "correlation_id", d.CorrelationId, "app_id", d.AppId, "size", len(d.Body))

	r := &replier{m: m, delivery: d, logger: logger}
	s.Handler.Handle(ctx, job.Message{
		Queue:         s.Queue,
		Body:          d.Body,
		CorrelationID: d.CorrelationId,
		AppID:         d.AppId,
	}, r)

	if !r.sentTerminal() {
		logger.Error("handler returned without a terminal reply; message left unacknowledged", "correlation_id", d.CorrelationId)
	}
}

// replier publishes replies for one delivery. The delivery is acknowledged
// only after a terminal reply has been published; a terminal reply that
// cannot be published requeues it.
type replier struct {
	m        *Manager
	delivery amqp.Delivery
	logger   *slog.Logger

	mu       sync.Mutex
	terminal bool
}

// Reply implements job.Replier.
func (r *replier) Reply(ctx context.Context, status job.Status, terminal bool) error {
	return r.send(ctx, r.m.opts.ReplyQueue, status, terminal)
}

// ReplyTo implements job.Replier.
func (r *replier) ReplyTo(ctx context.Context, queue string, status job.Status) error {
	return r.send(ctx, queue, status, true)
}

func (r *replier) send(ctx context.Context, queue string, status job.Status, terminal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return ErrAlreadyTerminal
	}
	if terminal {
		r.terminal = true
	}

	body, err := status.Marshal()
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}

	r.logger.Info("sending reply", "queue", queue, "correlation_id", r.delivery.CorrelationId, "terminal", terminal, "body", string(body))
	if err := r.m.publish(ctx, queue, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: r.delivery.CorrelationId,
		AppId:         r.delivery.AppId,
		Body:          body,
	}); err != nil {
		if terminal {
			// Hand the message back so it does not hold a prefetch slot.
			if nerr := r.delivery.Nack(false, true); nerr != nil {
				r.logger.Warn("failed to requeue delivery", "correlation_id", r.delivery.CorrelationId, "error", nerr)
			} else {
				r.logger.Warn("terminal reply not published; delivery requeued", "correlation_id", r.delivery.CorrelationId, "error", err)
			}
		}
		return err
	}

	if !terminal {
		return nil
	}
	if err := r.delivery.Ack(false); err != nil {
		return fmt.Errorf("ack delivery %d: %w", r.delivery.DeliveryTag, err)
	}
	return nil
}

func (r *replier) sentTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

var _ job.Replier = (*replier)(nil)
