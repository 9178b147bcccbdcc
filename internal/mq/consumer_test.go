package mq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

func newTestConsumer(handler Handler) *Consumer {
	return NewConsumer(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), ConsumerConfig{
		Queue:   QueueRunsInterrupt,
		Types:   []MessageType{MessageTypeRunInterrupt},
		Handler: handler,
	})
}

func body(t *testing.T, msgType MessageType, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(&Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDispatch_Outcomes(t *testing.T) {
	runID := uuid.New()
	failing := errors.New("boom")

	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		handlerErr  error
		want        string
	}{
		{"handled", body(t, MessageTypeRunInterrupt, RunInterruptPayload{RunID: runID}), false, nil, deliveryAcked},
		{"first failure", body(t, MessageTypeRunInterrupt, RunInterruptPayload{RunID: runID}), false, failing, deliveryRequeued},
		{"second failure", body(t, MessageTypeRunInterrupt, RunInterruptPayload{RunID: runID}), true, failing, deliveryDeadLetter},
		{"malformed", []byte("{not json"), false, nil, deliveryDeadLetter},
		{"unexpected type", body(t, MessageTypeFlowStart, FlowStartPayload{FlowID: runID}), false, nil, deliveryDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsumer(func(ctx context.Context, d *Delivery) error {
				return tt.handlerErr
			})

			got := c.dispatch(context.Background(), amqp.Delivery{Body: tt.body, Redelivered: tt.redelivered})
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParsePayload(t *testing.T) {
	runID := uuid.New()
	var got RunInterruptPayload

	c := newTestConsumer(func(ctx context.Context, d *Delivery) error {
		var err error
		got, err = ParsePayload[RunInterruptPayload](d)
		return err
	})

	outcome := c.dispatch(context.Background(), amqp.Delivery{Body: body(t, MessageTypeRunInterrupt, RunInterruptPayload{RunID: runID})})
	if outcome != deliveryAcked {
		t.Fatalf("expected acked, got %s", outcome)
	}
	if got.RunID != runID {
		t.Errorf("expected run %s, got %s", runID, got.RunID)
	}

	if _, err := ParsePayload[RunInterruptPayload](&Delivery{Type: MessageTypeRunInterrupt}); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestDispatch_HandlerTimeout(t *testing.T) {
	c := NewConsumer(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), ConsumerConfig{
		Queue:   QueueMsgsIncoming,
		Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, d *Delivery) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	got := c.dispatch(context.Background(), amqp.Delivery{Body: body(t, MessageTypeMsgReceived, MsgReceivedPayload{})})
	if got != deliveryRequeued {
		t.Errorf("expected requeued after timeout, got %s", got)
	}
}
