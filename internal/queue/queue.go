// Package queue carries send requests over AMQP. Calling features that
// cannot reach the HTTP API publish requests to a durable queue; the service
// consumes them into the delivery log.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/BTreeMap/MailPipe/internal/delivery"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/store"
)

const (
	// DefaultQueue is the durable intake queue name.
	DefaultQueue = "mail_requests"
	// DefaultPrefetch bounds unacknowledged deliveries per consumer.
	DefaultPrefetch = 10
	// ConsumerTag identifies this consumer on the broker.
	ConsumerTag = "mailpipe"
)

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Enqueuer records a send request in the delivery log.
type Enqueuer interface {
	Enqueue(ctx context.Context, req models.SendRequest) (models.LogEntry, error)
}

// Dial connects to the broker and opens a channel.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	return conn, ch, nil
}

func declare(ch Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}

// Consumer moves queued send requests into the delivery log.
type Consumer struct {
	ch       Channel
	queue    string
	prefetch int
	enqueuer Enqueuer
}

// NewConsumer creates a Consumer. Empty queue and non-positive prefetch fall
// back to the defaults.
func NewConsumer(ch Channel, enqueuer Enqueuer, queue string, prefetch int) *Consumer {
	if queue == "" {
		queue = DefaultQueue
	}
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	return &Consumer{ch: ch, queue: queue, prefetch: prefetch, enqueuer: enqueuer}
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	if err := declare(c.ch, c.queue); err != nil {
		return err
	}
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	msgs, err := c.ch.Consume(c.queue, ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	slog.Info("Consumer.Run: consuming", "queue", c.queue, "prefetch", c.prefetch)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Consumer.Run: stopping", "queue", c.queue)
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery. Well-formed requests are acknowledged once
// recorded. Requests that can never be accepted are rejected without
// requeue; transient failures are requeued.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	var req models.SendRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		slog.Warn("Consumer.Handle: dropping malformed message", "error", err, "messageId", d.MessageId)
		c.nack(d, false)
		return
	}
	if req.DedupeKey == "" && d.MessageId != "" {
		req.DedupeKey = d.MessageId
	}

	entry, err := c.enqueuer.Enqueue(ctx, req)
	if err != nil {
		permanent := errors.Is(err, delivery.ErrInvalidRequest) || errors.Is(err, store.ErrTemplateNotFound)
		if permanent {
			slog.Warn("Consumer.Handle: rejecting request", "error", err, "template", req.TemplateKey)
		} else {
			slog.Error("Consumer.Handle: enqueue failed, requeueing", "error", err, "template", req.TemplateKey)
		}
		c.nack(d, !permanent)
		return
	}
	if err := d.Ack(false); err != nil {
		slog.Error("Consumer.Handle: ack failed", "error", err, "id", entry.ID)
		return
	}
	slog.Debug("Consumer.Handle: request recorded", "id", entry.ID, "dedupeKey", entry.DedupeKey)
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		slog.Error("Consumer.nack: nack failed", "error", err, "requeue", requeue)
	}
}

// Publisher puts send requests on the intake queue.
type Publisher struct {
	ch       Channel
	queue    string
	declared bool
}

// NewPublisher creates a Publisher for queue, or DefaultQueue when empty.
func NewPublisher(ch Channel, queue string) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Publisher{ch: ch, queue: queue}
}

// Publish sends req as a persistent JSON message. The dedupe key doubles as
// the AMQP message ID.
func (p *Publisher) Publish(ctx context.Context, req models.SendRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.declared {
		if err := declare(p.ch, p.queue); err != nil {
			return err
		}
		p.declared = true
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal send request: %w", err)
	}
	err = p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.DedupeKey,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.queue, err)
	}
	slog.Debug("Publisher.Publish: published", "queue", p.queue, "template", req.TemplateKey, "dedupeKey", req.DedupeKey)
	return nil
}
