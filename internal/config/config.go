package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Environment    string
	HTTPPort       string
	AllowedOrigins []string
	LogLevel       string

	TelemetryInterval     time.Duration
	StatusFlipInterval    time.Duration
	StatusFlipProbability float64
	AutostartDelay        time.Duration // zero disables auto-start

	CommandSuccessRate    float64
	CommandFollowUpDelay  time.Duration
	FirmwareTickInterval  time.Duration
	FirmwareCancelOnLeave bool
	SystemStatusSchedule  string

	DevicesFile  string
	DevicesWatch bool

	RedisHost      string
	RedisPort      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	MQTTBroker         string
	MQTTClientID       string
	MQTTTelemetryTopic string
	MQTTCommandTopic   string // fmt pattern taking the device id
	MQTTQoS            int
}

// BridgeEnabled reports whether cross-process fanout over Redis is configured.
func (c *Config) BridgeEnabled() bool { return c.RedisHost != "" }

// IngestEnabled reports whether the MQTT device ingest is configured.
func (c *Config) IngestEnabled() bool { return c.MQTTBroker != "" }

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func Load() (*Config, error) {
	cfg := &Config{
		Environment:          getenv("ENVIRONMENT", "development"),
		HTTPPort:             getenv("HTTP_PORT", "3001"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		SystemStatusSchedule: getenv("SYSTEM_STATUS_SCHEDULE", "@every 30s"),
		DevicesFile:          os.Getenv("DEVICES_FILE"),
		RedisHost:            os.Getenv("REDIS_HOST"),
		RedisPort:            getenv("REDIS_PORT", "6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisNamespace:       getenv("REDIS_NAMESPACE", "iot"),
		MQTTBroker:           os.Getenv("MQTT_BROKER"),
		MQTTClientID:         getenv("MQTT_CLIENT_ID", "iot-realtime"),
		MQTTTelemetryTopic:   getenv("MQTT_TELEMETRY_TOPIC", "devices/+/telemetry"),
		MQTTCommandTopic:     getenv("MQTT_COMMAND_TOPIC", "devices/%s/commands"),
	}
	for _, o := range strings.Split(getenv("ALLOWED_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	var err error
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"TELEMETRY_INTERVAL", "5s", &cfg.TelemetryInterval},
		{"STATUS_FLIP_INTERVAL", "30s", &cfg.StatusFlipInterval},
		{"SIMULATION_AUTOSTART_DELAY", "2s", &cfg.AutostartDelay},
		{"COMMAND_FOLLOWUP_DELAY", "1s", &cfg.CommandFollowUpDelay},
		{"FIRMWARE_TICK_INTERVAL", "2s", &cfg.FirmwareTickInterval},
	}
	for _, d := range durations {
		v := getenv(d.key, d.fallback)
		if v == "0" {
			*d.dst = 0
			continue
		}
		if *d.dst, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if cfg.StatusFlipProbability, err = strconv.ParseFloat(getenv("STATUS_FLIP_PROBABILITY", "0.05"), 64); err != nil {
		return nil, fmt.Errorf("invalid STATUS_FLIP_PROBABILITY: %w", err)
	}
	if cfg.CommandSuccessRate, err = strconv.ParseFloat(getenv("COMMAND_SUCCESS_RATE", "0.9"), 64); err != nil {
		return nil, fmt.Errorf("invalid COMMAND_SUCCESS_RATE: %w", err)
	}
	if cfg.FirmwareCancelOnLeave, err = strconv.ParseBool(getenv("FIRMWARE_CANCEL_ON_LEAVE", "true")); err != nil {
		return nil, fmt.Errorf("invalid FIRMWARE_CANCEL_ON_LEAVE: %w", err)
	}
	if cfg.DevicesWatch, err = strconv.ParseBool(getenv("DEVICES_WATCH", "false")); err != nil {
		return nil, fmt.Errorf("invalid DEVICES_WATCH: %w", err)
	}
	if cfg.RedisDB, err = strconv.Atoi(getenv("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.MQTTQoS, err = strconv.Atoi(getenv("MQTT_QOS", "1")); err != nil {
		return nil, fmt.Errorf("invalid MQTT_QOS: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.HTTPPort); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %q", c.HTTPPort)
	}
	if c.TelemetryInterval <= 0 {
		return fmt.Errorf("TELEMETRY_INTERVAL must be positive")
	}
	if c.StatusFlipInterval <= 0 {
		return fmt.Errorf("STATUS_FLIP_INTERVAL must be positive")
	}
	if c.AutostartDelay < 0 {
		return fmt.Errorf("SIMULATION_AUTOSTART_DELAY must not be negative")
	}
	if c.FirmwareTickInterval <= 0 {
		return fmt.Errorf("FIRMWARE_TICK_INTERVAL must be positive")
	}
	if c.CommandFollowUpDelay <= 0 {
		return fmt.Errorf("COMMAND_FOLLOWUP_DELAY must be positive")
	}
	if c.StatusFlipProbability < 0 || c.StatusFlipProbability > 1 {
		return fmt.Errorf("STATUS_FLIP_PROBABILITY must be within [0,1], got %v", c.StatusFlipProbability)
	}
	if c.CommandSuccessRate < 0 || c.CommandSuccessRate > 1 {
		return fmt.Errorf("COMMAND_SUCCESS_RATE must be within [0,1], got %v", c.CommandSuccessRate)
	}
	if c.DevicesWatch && c.DevicesFile == "" {
		return fmt.Errorf("DEVICES_WATCH requires DEVICES_FILE")
	}
	if c.IngestEnabled() {
		if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
			return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
		}
		if !strings.Contains(c.MQTTCommandTopic, "%s") {
			return fmt.Errorf("MQTT_COMMAND_TOPIC must contain %%s for the device id")
		}
	}
	return nil
}
