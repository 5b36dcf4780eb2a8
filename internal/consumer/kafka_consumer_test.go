package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type fakePoller struct {
	subscribed []string
	events     []kafka.Event
	cancel     context.CancelFunc
	closed     bool
}

func (p *fakePoller) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	p.subscribed = topics
	return nil
}

func (p *fakePoller) Poll(int) kafka.Event {
	if len(p.events) == 0 {
		p.cancel()
		return nil
	}
	ev := p.events[0]
	p.events = p.events[1:]
	return ev
}

func (p *fakePoller) Close() error {
	p.closed = true
	return nil
}

type recordingHandler struct {
	messages []string
	err      error
}

func (h *recordingHandler) HandleMessage(_ context.Context, message []byte) error {
	h.messages = append(h.messages, string(message))
	return h.err
}

func message(topic, value string) *kafka.Message {
	return &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic}, Value: []byte(value)}
}

func TestConsumerRoutesByTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closed := &recordingHandler{err: errors.New("boom")}
	automation := &recordingHandler{}
	p := &fakePoller{
		cancel: cancel,
		events: []kafka.Event{
			message("funding_page_closed", `{"page_id":"p1"}`),
			message("unknown", `{}`),
			message("payout_automation_requested", `{"payout_id":"po1"}`),
			message("funding_page_closed", `{"page_id":"p2"}`),
		},
	}

	c, err := NewKafkaConsumer(p, map[string]MessageHandler{
		"funding_page_closed":         closed,
		"payout_automation_requested": automation,
	})
	if err != nil {
		t.Fatalf("NewKafkaConsumer: %v", err)
	}
	if len(p.subscribed) != 2 {
		t.Fatalf("expected two subscriptions, got %v", p.subscribed)
	}

	if err := c.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start returned %v", err)
	}
	if len(closed.messages) != 2 || len(automation.messages) != 1 {
		t.Fatalf("unexpected routing: closed=%v automation=%v", closed.messages, automation.messages)
	}
	if err := c.Close(); err != nil || !p.closed {
		t.Fatal("Close should close the underlying consumer")
	}
}

func TestConsumerStopsOnFatalError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &fakePoller{
		cancel: cancel,
		events: []kafka.Event{kafka.NewError(kafka.ErrFatal, "fatal", true)},
	}
	c, err := NewKafkaConsumer(p, map[string]MessageHandler{"t": &recordingHandler{}})
	if err != nil {
		t.Fatalf("NewKafkaConsumer: %v", err)
	}
	var kerr kafka.Error
	if err := c.Start(ctx); !errors.As(err, &kerr) || !kerr.IsFatal() {
		t.Fatalf("expected fatal kafka error, got %v", err)
	}
}
