package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/observability"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAcknowledger struct {
	acked    bool
	nacked   bool
	requeue  bool
	rejected bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.rejected = true
	f.requeue = requeue
	return nil
}

func triggerDelivery(t *testing.T, msg TriggerMessage, redelivered bool) (amqp.Delivery, *fakeAcknowledger) {
	t.Helper()

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("json marshal error = %v", err)
	}
	ack := &fakeAcknowledger{}
	return amqp.Delivery{Acknowledger: ack, Body: body, Redelivered: redelivered, DeliveryTag: 1}, ack
}

func TestConsumerHandleDelivery(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fresh := TriggerMessage{CorrelationID: "corr-1", RunID: "run-1", Reason: "launch", RequestedAt: now.Add(-time.Second)}
	stale := TriggerMessage{RunID: "run-1", Reason: "launch", RequestedAt: now.Add(-time.Hour)}
	handlerErr := errors.New("workers busy")

	tests := []struct {
		name        string
		body        []byte
		msg         *TriggerMessage
		redelivered bool
		handlerErr  error
		wantCalled  bool
		wantAck     bool
		wantNack    bool
		wantReject  bool
		wantRequeue bool
	}{
		{name: "fresh trigger", msg: &fresh, wantCalled: true, wantAck: true},
		{name: "stale trigger", msg: &stale, wantAck: true},
		{name: "invalid json", body: []byte("{"), wantReject: true},
		{name: "missing reason", msg: &TriggerMessage{RequestedAt: now}, wantReject: true},
		{name: "handler failure requeues once", msg: &fresh, handlerErr: handlerErr, wantCalled: true, wantNack: true, wantRequeue: true},
		{name: "redelivered failure dead-letters", msg: &fresh, redelivered: true, handlerErr: handlerErr, wantCalled: true, wantNack: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var d amqp.Delivery
			var ack *fakeAcknowledger
			if tt.msg != nil {
				d, ack = triggerDelivery(t, *tt.msg, tt.redelivered)
			} else {
				ack = &fakeAcknowledger{}
				d = amqp.Delivery{Acknowledger: ack, Body: tt.body}
			}

			c := NewRabbitMQConsumer(&RabbitMQ{}, 1, nil)
			c.now = func() time.Time { return now }

			called := false
			err := c.handleDelivery(context.Background(), d, func(ctx context.Context, msg TriggerMessage) error {
				called = true
				if id, _ := observability.CorrelationIDFromContext(ctx); id != msg.CorrelationID {
					t.Errorf("correlation id = %q, want %q", id, msg.CorrelationID)
				}
				return tt.handlerErr
			})
			if err != nil {
				t.Fatalf("handleDelivery() error = %v", err)
			}

			if called != tt.wantCalled {
				t.Fatalf("handler called = %v, want %v", called, tt.wantCalled)
			}
			if ack.acked != tt.wantAck || ack.nacked != tt.wantNack || ack.rejected != tt.wantReject {
				t.Fatalf("ack state = %+v", ack)
			}
			if ack.requeue != tt.wantRequeue {
				t.Fatalf("requeue = %v, want %v", ack.requeue, tt.wantRequeue)
			}
		})
	}
}
