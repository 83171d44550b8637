package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultTopicPrefix       = "msgguard/device"
	defaultMQTTConnectWait   = 30 * time.Second
	defaultMQTTPublishWait   = 10 * time.Second
	defaultMQTTDisconnectMs  = 250
	permissionPayloadGranted = "granted"
)

var errMQTTNotConnected = errors.New("not connected to MQTT broker")

// MQTTConfig describes the broker the on-device listener relays to.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// MQTTSource receives notifications from the device-side listener service,
// which relays every OS callback to an MQTT broker:
//
//	<prefix>/posted      posted notification (JSON Event)
//	<prefix>/removed     removed notification (JSON Event)
//	<prefix>/permission  retained "granted" or "denied"
//	<prefix>/active      retained JSON array of active notifications
//	<prefix>/command     commands to the device (dismiss, request_permission)
type MQTTSource struct {
	cfg    MQTTConfig
	logger *slog.Logger
	client mqtt.Client

	mu        sync.Mutex
	granted   bool
	listening bool
	active    []Event

	events chan Event
	done   chan struct{}
	once   sync.Once
}

type deviceCommand struct {
	Op  string `json:"op"`
	Key string `json:"key,omitempty"`
}

func NewMQTTSource(cfg MQTTConfig, logger *slog.Logger) *MQTTSource {
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "msgguard"
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{
		cfg:    cfg,
		logger: logger.With("component", "capture.mqtt"),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

func (s *MQTTSource) topic(name string) string {
	return s.cfg.TopicPrefix + "/" + name
}

// Connect dials the broker and subscribes to the permission and snapshot
// topics. Event topics are subscribed by Start.
func (s *MQTTSource) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("connection to broker lost", "broker", s.cfg.Broker, "error", err)
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	wait := defaultMQTTConnectWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("connect to %s: timeout", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", s.cfg.Broker, err)
	}
	return nil
}

// onConnect runs after every (re)connect; a clean session drops
// subscriptions, so they are restored here.
func (s *MQTTSource) onConnect(c mqtt.Client) {
	s.logger.Info("connected to broker", "broker", s.cfg.Broker)
	filters := map[string]byte{
		s.topic("permission"): s.cfg.QoS,
		s.topic("active"):     s.cfg.QoS,
	}
	c.SubscribeMultiple(filters, s.route)
	if s.IsListening() {
		s.subscribeEvents(c)
	}
}

func (s *MQTTSource) route(_ mqtt.Client, msg mqtt.Message) {
	switch msg.Topic() {
	case s.topic("permission"):
		s.handlePermission(msg.Payload())
	case s.topic("active"):
		s.handleActive(msg.Payload())
	case s.topic("posted"):
		s.handleEvent(KindPosted, msg.Payload())
	case s.topic("removed"):
		s.handleEvent(KindRemoved, msg.Payload())
	}
}

func (s *MQTTSource) subscribeEvents(c mqtt.Client) {
	filters := map[string]byte{
		s.topic("posted"):  s.cfg.QoS,
		s.topic("removed"): s.cfg.QoS,
	}
	token := c.SubscribeMultiple(filters, s.route)
	if !token.WaitTimeout(defaultMQTTPublishWait) {
		s.logger.Warn("subscribe timeout", "prefix", s.cfg.TopicPrefix)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("subscribe failed", "prefix", s.cfg.TopicPrefix, "error", err)
	}
}

func (s *MQTTSource) handlePermission(payload []byte) {
	granted := strings.EqualFold(strings.TrimSpace(string(payload)), permissionPayloadGranted)
	s.mu.Lock()
	changed := s.granted != granted
	s.granted = granted
	if !granted {
		s.listening = false
	}
	s.mu.Unlock()
	if changed {
		s.logger.Info("permission state changed", "granted", granted)
	}
}

func (s *MQTTSource) handleActive(payload []byte) {
	var snapshot []Event
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		s.logger.Warn("invalid active snapshot", "error", err)
		return
	}
	for i := range snapshot {
		snapshot[i].Kind = KindActive
	}
	s.mu.Lock()
	s.active = snapshot
	s.mu.Unlock()
}

func (s *MQTTSource) handleEvent(kind Kind, payload []byte) {
	if !s.IsListening() {
		return
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("invalid notification payload", "kind", kind, "error", err)
		return
	}
	ev.Kind = kind
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *MQTTSource) PermissionGranted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted
}

func (s *MQTTSource) RequestPermission(ctx context.Context) error {
	return s.publish(ctx, deviceCommand{Op: "request_permission"})
}

func (s *MQTTSource) Start(ctx context.Context) error {
	if !s.PermissionGranted() {
		return ErrPermissionDenied
	}
	if s.client == nil || !s.client.IsConnected() {
		return errMQTTNotConnected
	}
	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()
	s.subscribeEvents(s.client)
	return nil
}

func (s *MQTTSource) Stop() error {
	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()
	if s.client == nil || !s.client.IsConnected() {
		return nil
	}
	token := s.client.Unsubscribe(s.topic("posted"), s.topic("removed"))
	if !token.WaitTimeout(defaultMQTTPublishWait) {
		return fmt.Errorf("unsubscribe: timeout")
	}
	return token.Error()
}

func (s *MQTTSource) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *MQTTSource) Events() <-chan Event {
	return s.events
}

func (s *MQTTSource) ActiveNotifications(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.active...), nil
}

func (s *MQTTSource) Dismiss(ctx context.Context, key string) error {
	return s.publish(ctx, deviceCommand{Op: "dismiss", Key: key})
}

func (s *MQTTSource) DismissAll(ctx context.Context) error {
	return s.publish(ctx, deviceCommand{Op: "dismiss_all"})
}

func (s *MQTTSource) publish(ctx context.Context, cmd deviceCommand) error {
	if s.client == nil || !s.client.IsConnected() {
		return errMQTTNotConnected
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic("command"), s.cfg.QoS, false, payload)
	wait := defaultMQTTPublishWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("publish %s: timeout", cmd.Op)
	}
	return token.Error()
}

// Close disconnects from the broker and releases handlers blocked on a full
// Events channel.
func (s *MQTTSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.client != nil && s.client.IsConnected() {
			s.client.Disconnect(defaultMQTTDisconnectMs)
		}
	})
	return nil
}
