package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/skein/internal/config"
	"github.com/nugget/skein/internal/events"
)

// publisher is the subset of the autopaho connection manager used here.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// MQTT publishes notifications to <prefix>/notify and, optionally,
// mirrors the event bus under <prefix>/events/<kind>. Availability is
// announced on <prefix>/availability with an offline will.
type MQTT struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu  sync.RWMutex
	cm  *autopaho.ConnectionManager
	pub publisher
}

// NewMQTT creates an MQTT notifier but does not connect. Call
// [MQTT.Start] to connect.
func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) *MQTT {
	return &MQTT{cfg: cfg, logger: logger.With("component", "mqtt")}
}

// Start connects to the broker. It waits up to 30 seconds for the
// first connection; after that autopaho keeps retrying in the
// background and Start returns nil.
func (m *MQTT) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.topic("availability"),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.pub = cm
	m.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" availability and disconnects.
func (m *MQTT) Stop(ctx context.Context) error {
	m.mu.RLock()
	cm := m.cm
	m.mu.RUnlock()
	if cm == nil {
		return nil
	}
	m.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

type notifyPayload struct {
	ThreadID  string    `json:"thread_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// Send implements [Notifier]. It reports false when the notifier was
// never started.
func (m *MQTT) Send(ctx context.Context, n Notification) (bool, error) {
	pub := m.publisher()
	if pub == nil {
		return false, nil
	}

	payload, err := json.Marshal(notifyPayload{
		ThreadID:  n.ThreadID,
		Title:     n.Title,
		Text:      n.Text,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal notification: %w", err)
	}

	topic := m.topic("notify")
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     m.cfg.QoS,
	}); err != nil {
		return false, fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	m.logger.Debug("notification published", "topic", topic, "thread_id", n.ThreadID)
	return true, nil
}

// Mirror republishes every event from bus until ctx is cancelled.
// Publish failures are logged and skipped.
func (m *MQTT) Mirror(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64, "")
	if ch == nil {
		return
	}
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := m.publishEvent(ctx, e); err != nil {
				m.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
			}
		}
	}
}

func (m *MQTT) publishEvent(ctx context.Context, e events.Event) error {
	pub := m.publisher()
	if pub == nil {
		return errors.New("mqtt not started")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = pub.Publish(ctx, &paho.Publish{
		Topic:   m.topic("events/" + e.Kind),
		Payload: payload,
		QoS:     0,
	})
	return err
}

func (m *MQTT) publisher() publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pub
}

func (m *MQTT) topic(suffix string) string {
	return m.cfg.TopicPrefix + "/" + suffix
}

func (m *MQTT) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   m.topic("availability"),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		m.logger.Info("mqtt availability published", "status", status)
	}
}
