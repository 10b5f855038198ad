// Package mqtt wraps paho.mqtt.golang into a self-healing broker session.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"apertus-bridge/internal/retry"
)

const (
	DefaultRetryInterval = 5 * time.Second

	publishTimeout    = 5 * time.Second
	subscribeTimeout  = 10 * time.Second
	disconnectQuiesce = 1000 // milliseconds
)

// Config holds broker session configuration.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
	QoS      byte

	// StatusTopic receives a retained "online"/"offline" availability flag,
	// with "offline" doubling as the last will. Empty disables it.
	StatusTopic string

	RetryInterval time.Duration
}

// Handler receives one inbound message.
type Handler = func(topic string, payload []byte)

type subscription struct {
	topic   string
	qos     byte
	handler Handler
}

// Session owns the MQTT connection. Subscriptions are remembered and
// restored on every reconnect. A lost link is redialled on the session
// backoff.
type Session struct {
	client  pahomqtt.Client
	cfg     Config
	backoff retry.Backoff
	logger  *slog.Logger
	state   *retry.Tracker

	ctx          context.Context
	cancel       context.CancelFunc
	reconnecting atomic.Bool

	subMu sync.RWMutex
	subs  map[string]subscription
}

// BrokerURL builds a paho broker URL from host and port. Hosts that already
// carry a scheme are used as-is.
func BrokerURL(host string, port int) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "tcp://" + host + ":" + strconv.Itoa(port)
}

// NewSession creates an unconnected session backed by a paho client.
func NewSession(cfg Config, logger *slog.Logger) *Session {
	s := newSession(nil, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			s.handleConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.handleConnectionLost(err)
		})

	if cfg.StatusTopic != "" {
		opts.SetWill(cfg.StatusTopic, "offline", 1, true)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	s.client = pahomqtt.NewClient(opts)
	return s
}

func newSession(client pahomqtt.Client, cfg Config, logger *slog.Logger) *Session {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	logger = logger.With("component", "mqtt")
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		client:  client,
		cfg:     cfg,
		backoff: retry.Fixed(cfg.RetryInterval),
		logger:  logger,
		state:   retry.NewTracker("mqtt", logger),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]subscription),
	}
}

// SetBackoff replaces the policy between failed connect attempts.
func (s *Session) SetBackoff(b retry.Backoff) { s.backoff = b }

// Connect blocks until the broker accepts the connection, retrying on the
// backoff interval forever. It only fails when ctx is done. After the first
// success a lost link is redialled the same way until Close.
func (s *Session) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		s.state.Set(retry.Connecting)
		err := waitToken(ctx, s.client.Connect())
		if err == nil {
			s.state.Set(retry.Connected)
			s.logger.Info("connected to MQTT broker", "broker", s.cfg.Broker, "attempts", attempt)
			return nil
		}
		s.state.Set(retry.Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := s.backoff.Delay(attempt)
		s.logger.Error("MQTT connect failed", "broker", s.cfg.Broker, "attempt", attempt, "retry_in", delay, "err", err)
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// State returns the connection state.
func (s *Session) State() retry.State { return s.state.Get() }

// Subscribe registers handler for pattern. The subscription is made now if
// connected and again after every reconnect.
func (s *Session) Subscribe(pattern string, handler Handler) error {
	sub := subscription{topic: pattern, qos: s.cfg.QoS, handler: handler}
	s.subMu.Lock()
	s.subs[pattern] = sub
	s.subMu.Unlock()

	if !s.client.IsConnected() {
		return nil
	}
	return s.subscribe(sub)
}

// Publish sends payload at the session QoS. Fire-and-forget: failures are
// only logged.
func (s *Session) Publish(topic string, payload []byte, retain bool) {
	s.PublishQoS(topic, payload, s.cfg.QoS, retain)
}

// PublishQoS is Publish with an explicit QoS. QoS 1 messages are held by
// paho across a reconnect.
func (s *Session) PublishQoS(topic string, payload []byte, qos byte, retain bool) {
	token := s.client.Publish(topic, qos, retain, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			s.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			s.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// Close publishes the offline status and disconnects.
func (s *Session) Close() {
	s.cancel()
	if s.cfg.StatusTopic != "" && s.client.IsConnected() {
		token := s.client.Publish(s.cfg.StatusTopic, 1, true, []byte("offline"))
		token.WaitTimeout(publishTimeout)
	}
	s.client.Disconnect(disconnectQuiesce)
	s.state.Set(retry.Disconnected)
	s.logger.Info("MQTT session closed")
}

func (s *Session) handleConnect() {
	s.state.Set(retry.Connected)
	s.logger.Info("MQTT connected")
	if s.cfg.StatusTopic != "" {
		s.PublishQoS(s.cfg.StatusTopic, []byte("online"), 1, true)
	}
	s.restoreSubscriptions()
}

func (s *Session) handleConnectionLost(err error) {
	s.state.Set(retry.Disconnected)
	s.logger.Warn("MQTT connection lost", "err", err)
	go s.reconnect()
}

// reconnect redials until connected or closed. Only one loop runs at a time.
func (s *Session) reconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	if err := retry.Sleep(s.ctx, s.backoff.Delay(1)); err != nil {
		return
	}
	if err := s.Connect(s.ctx); err != nil {
		s.logger.Debug("MQTT reconnect abandoned", "err", err)
	}
}

func (s *Session) restoreSubscriptions() {
	s.subMu.RLock()
	subs := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()

	for _, sub := range subs {
		if err := s.subscribe(sub); err != nil {
			s.logger.Warn("MQTT resubscribe failed", "topic", sub.topic, "err", err)
		}
	}
}

func (s *Session) subscribe(sub subscription) error {
	token := s.client.Subscribe(sub.topic, sub.qos, s.wrapHandler(sub.handler))
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe %s: timeout", sub.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.topic, err)
	}
	s.logger.Info("subscribed", "topic", sub.topic)
	return nil
}

// wrapHandler adapts a Handler to paho and recovers handler panics.
func (s *Session) wrapHandler(handler Handler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("MQTT handler panic", "topic", msg.Topic(), "panic", r)
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}

func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
