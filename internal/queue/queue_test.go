package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"github.com/BTreeMap/MailPipe/internal/delivery"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/store"
)

// ackRecorder implements amqp.Acknowledger.
type ackRecorder struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	reqs []models.SendRequest
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req models.SendRequest) (models.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return models.LogEntry{}, f.err
	}
	return models.LogEntry{ID: "msg_1", DedupeKey: req.DedupeKey}, nil
}

// fakeChannel records broker calls and serves deliveries from msgs.
type fakeChannel struct {
	mu        sync.Mutex
	declared  []string
	prefetch  int
	published []amqp.Publishing
	msgs      chan amqp.Delivery
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto-ack not expected")
	}
	return f.msgs, nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func testDelivery(t *testing.T, body string, ack *ackRecorder) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}
}

func TestHandleAcksRecordedRequest(t *testing.T) {
	enq := &fakeEnqueuer{}
	c := NewConsumer(&fakeChannel{}, enq, "", 0)
	ack := &ackRecorder{}

	d := testDelivery(t, `{"templateKey":"welcome","recipientEmail":"anna@example.com"}`, ack)
	d.MessageId = "signup:42"
	c.Handle(context.Background(), d)

	if !ack.acked || ack.nacked {
		t.Errorf("ack state = %+v, want acked", ack)
	}
	if len(enq.reqs) != 1 || enq.reqs[0].DedupeKey != "signup:42" {
		t.Errorf("message ID should become the dedupe key: %+v", enq.reqs)
	}
}

func TestHandleRejectsPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
	}{
		{"malformed json", `{"templateKey":`, nil},
		{"invalid request", `{"templateKey":"welcome"}`, fmt.Errorf("%w: %w", delivery.ErrInvalidRequest, models.ErrEmptyRecipient)},
		{"unknown template", `{"templateKey":"nope","recipientEmail":"a@example.com"}`, store.ErrTemplateNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConsumer(&fakeChannel{}, &fakeEnqueuer{err: tt.err}, "", 0)
			ack := &ackRecorder{}
			c.Handle(context.Background(), testDelivery(t, tt.body, ack))
			if !ack.nacked || ack.requeue || ack.acked {
				t.Errorf("ack state = %+v, want nack without requeue", ack)
			}
		})
	}
}

func TestHandleRequeuesTransientFailures(t *testing.T) {
	c := NewConsumer(&fakeChannel{}, &fakeEnqueuer{err: errors.New("database is locked")}, "", 0)
	ack := &ackRecorder{}
	c.Handle(context.Background(), testDelivery(t, `{"templateKey":"welcome","recipientEmail":"a@example.com"}`, ack))
	if !ack.nacked || !ack.requeue {
		t.Errorf("ack state = %+v, want nack with requeue", ack)
	}
}

func TestConsumerRun(t *testing.T) {
	ch := &fakeChannel{msgs: make(chan amqp.Delivery, 1)}
	enq := &fakeEnqueuer{}
	c := NewConsumer(ch, enq, "custom_queue", 5)

	ack := &ackRecorder{}
	ch.msgs <- testDelivery(t, `{"templateKey":"welcome","recipientEmail":"a@example.com"}`, ack)
	close(ch.msgs)

	err := c.Run(context.Background())
	if err == nil {
		t.Error("closed delivery channel should end Run with an error")
	}
	if len(ch.declared) != 1 || ch.declared[0] != "custom_queue" {
		t.Errorf("declared = %v", ch.declared)
	}
	if ch.prefetch != 5 {
		t.Errorf("prefetch = %d, want 5", ch.prefetch)
	}
	if !ack.acked {
		t.Error("delivery before close should be processed")
	}
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	ch := &fakeChannel{msgs: make(chan amqp.Delivery)}
	c := NewConsumer(ch, &fakeEnqueuer{}, "", 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, "")
	req := models.SendRequest{TemplateKey: "welcome", RecipientEmail: "a@example.com", DedupeKey: "welcome:a"}

	for i := 0; i < 2; i++ {
		if err := p.Publish(context.Background(), req); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if len(ch.declared) != 1 || ch.declared[0] != DefaultQueue {
		t.Errorf("queue should be declared once, got %v", ch.declared)
	}
	if len(ch.published) != 2 {
		t.Fatalf("published = %d", len(ch.published))
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId != "welcome:a" {
		t.Errorf("publishing = %+v", msg)
	}
	var got models.SendRequest
	if err := json.Unmarshal(msg.Body, &got); err != nil || got.RecipientEmail != "a@example.com" {
		t.Errorf("body = %s (%v)", msg.Body, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, req); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish on cancelled context = %v", err)
	}
}
