package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/skein/internal/config"
	"github.com/nugget/skein/internal/events"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) published() []*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*paho.Publish(nil), f.msgs...)
}

func newTestMQTT(pub publisher) *MQTT {
	m := NewMQTT(config.MQTTConfig{TopicPrefix: "skein", QoS: 1}, slog.Default())
	m.pub = pub
	return m
}

func TestMQTT_NotStarted(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{TopicPrefix: "skein"}, slog.Default())
	sent, err := m.Send(context.Background(), Notification{Text: "x"})
	if sent || err != nil {
		t.Errorf("Send() = (%v, %v), want (false, nil)", sent, err)
	}
}

func TestMQTT_Send(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestMQTT(pub)

	sent, err := m.Send(context.Background(), Notification{ThreadID: "t1", Text: "pump offline"})
	if err != nil || !sent {
		t.Fatalf("Send() = (%v, %v), want (true, nil)", sent, err)
	}

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "skein/notify" || msgs[0].QoS != 1 {
		t.Errorf("topic/qos = %s/%d", msgs[0].Topic, msgs[0].QoS)
	}
	var body notifyPayload
	if err := json.Unmarshal(msgs[0].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.ThreadID != "t1" || body.Text != "pump offline" {
		t.Errorf("payload = %+v", body)
	}
}

func TestMQTT_SendError(t *testing.T) {
	m := newTestMQTT(&fakePublisher{err: errors.New("not connected")})
	sent, err := m.Send(context.Background(), Notification{Text: "x"})
	if sent || err == nil {
		t.Errorf("Send() = (%v, %v), want (false, error)", sent, err)
	}
}

func TestMQTT_Mirror(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestMQTT(pub)
	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Mirror(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("mirror never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Emit(events.SourceLoop, events.KindThreadUpdate, "t1", map[string]any{"status": "sleeping"})

	for len(pub.published()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never mirrored")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := pub.published()[0].Topic; got != "skein/events/thread_update" {
		t.Errorf("topic = %q", got)
	}

	cancel()
	<-done
	if bus.SubscriberCount() != 0 {
		t.Error("mirror should unsubscribe on exit")
	}
}
