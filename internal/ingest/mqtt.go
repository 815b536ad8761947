// Package ingest connects real devices over MQTT: telemetry published by
// devices is fanned out like simulated readings, and commands are forwarded
// back to the device's command topic.
package ingest

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/errors"
	"github.com/nmxmxh/iot-realtime/pkg/health"
	"github.com/nmxmxh/iot-realtime/pkg/json"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
	"go.uber.org/zap"
)

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TelemetryTopic string // subscription filter, e.g. devices/+/telemetry
	CommandTopic   string // fmt pattern taking the device id
	QoS            int
	PublishTimeout time.Duration
	QueueSize      int
}

// Sink accepts readings from devices. *telemetry.Generator satisfies it.
type Sink interface {
	Ingest(reading event.Reading) error
}

type outbound struct {
	topic   string
	payload []byte
}

// Client is the MQTT side of the hub.
type Client struct {
	cfg    Config
	sink   Sink
	log    *zap.Logger
	client mqtt.Client
	queue  chan outbound
	gate   func() bool
}

func New(cfg Config, sink Sink, log *zap.Logger) *Client {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Client{
		cfg:   cfg,
		sink:  sink,
		log:   log.With(zap.String("module", "ingest")),
		queue: make(chan outbound, cfg.QueueSize),
	}
}

// SetLeaderGate makes the client ingest telemetry only while fn reports true.
// Every process receives every device message, so only the leader fans it out.
func (c *Client) SetLeaderGate(fn func() bool) {
	c.gate = fn
}

// Connect dials the broker and subscribes to the telemetry filter. The
// subscription is restored on every reconnect.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(cl mqtt.Client) {
		token := cl.Subscribe(c.cfg.TelemetryTopic, byte(c.cfg.QoS), c.messageHandler)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error("mqtt subscribe failed", zap.String("topic", c.cfg.TelemetryTopic), zap.Error(err))
			return
		}
		c.log.Info("mqtt subscribed", zap.String("broker", c.cfg.Broker), zap.String("topic", c.cfg.TelemetryTopic))
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.cfg.Broker, err)
	}
	return nil
}

func (c *Client) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	if err := c.HandleMessage(msg.Topic(), msg.Payload()); err != nil {
		metrics.BridgeMessages.WithLabelValues("mqtt_in", "error").Inc()
		c.log.Debug("dropping device message",
			zap.String("topic", msg.Topic()),
			zap.String("payload", json.Truncate(msg.Payload(), 256)),
			zap.Error(err))
		return
	}
	metrics.BridgeMessages.WithLabelValues("mqtt_in", "ok").Inc()
}

// HandleMessage parses one telemetry message and hands it to the sink. The
// payload is either a reading object or a bare number; a missing deviceId is
// taken from the topic. A follower accepts and discards messages.
func (c *Client) HandleMessage(topic string, payload []byte) error {
	if c.gate != nil && !c.gate() {
		return nil
	}
	reading, err := ParseReading(payload)
	if err != nil {
		return err
	}
	if reading.DeviceID == "" {
		id, ok := DeviceFromTopic(c.cfg.TelemetryTopic, topic)
		if !ok {
			return errors.Wrap(errors.ErrInvalidInput, "no device id in payload or topic "+topic)
		}
		reading.DeviceID = id
	}
	return c.sink.Ingest(reading)
}

// ParseReading decodes a device payload. Non-finite values are rejected.
func ParseReading(payload []byte) (event.Reading, error) {
	trimmed := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return event.Reading{}, errors.Wrap(errors.ErrInvalidInput, "non-finite telemetry value")
		}
		return event.Reading{Value: v}, nil
	}
	var reading event.Reading
	if err := json.Unmarshal([]byte(trimmed), &reading); err != nil {
		return event.Reading{}, errors.Wrap(errors.ErrInvalidInput, "telemetry payload")
	}
	return reading, nil
}

// DeviceFromTopic returns the topic level matched by the first '+' in filter.
func DeviceFromTopic(filter, topic string) (string, bool) {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, level := range fl {
		if i >= len(tl) {
			return "", false
		}
		switch level {
		case "+":
			if tl[i] == "" {
				return "", false
			}
			return tl[i], true
		case "#":
			return "", false
		default:
			if level != tl[i] {
				return "", false
			}
		}
	}
	return "", false
}

// PublishCommand queues a command for the device's command topic. It never
// waits on the broker; a full queue is reported as an error.
func (c *Client) PublishCommand(deviceID string, payload []byte) error {
	if c.client == nil || !c.client.IsConnected() {
		return errors.New("mqtt not connected")
	}
	topic := fmt.Sprintf(c.cfg.CommandTopic, deviceID)
	select {
	case c.queue <- outbound{topic: topic, payload: payload}:
		return nil
	default:
		metrics.BridgeMessages.WithLabelValues("mqtt_out", "dropped").Inc()
		return fmt.Errorf("mqtt command queue full, dropping command for %s", deviceID)
	}
}

// Run publishes queued commands until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.queue:
			if err := c.publish(msg); err != nil {
				c.log.Warn("command publish failed", zap.String("topic", msg.topic), zap.Error(err))
			}
		}
	}
}

func (c *Client) publish(msg outbound) error {
	token := c.client.Publish(msg.topic, byte(c.cfg.QoS), false, msg.payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		metrics.BridgeMessages.WithLabelValues("mqtt_out", "timeout").Inc()
		return fmt.Errorf("mqtt publish to %s timed out", msg.topic)
	}
	if err := token.Error(); err != nil {
		metrics.BridgeMessages.WithLabelValues("mqtt_out", "error").Inc()
		return fmt.Errorf("mqtt publish to %s: %w", msg.topic, err)
	}
	metrics.BridgeMessages.WithLabelValues("mqtt_out", "ok").Inc()
	return nil
}

// HealthCheck reports whether the broker connection is up.
func (c *Client) HealthCheck() health.HealthCheck {
	return health.NewCheck("mqtt", func(context.Context) error {
		if c.client == nil || !c.client.IsConnected() {
			return errors.New("mqtt disconnected")
		}
		return nil
	})
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.log.Info("mqtt disconnected", zap.String("broker", c.cfg.Broker))
	}
}
