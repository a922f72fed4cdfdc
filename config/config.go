// Package config loads SpoolBuddy's process-wide settings from the
// environment, mirroring the teacher's env.ParseAsWithOptions convention.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full set of tunables in spec.md §6's Configuration table,
// plus the process-level settings (HTTP address, DB path, log level) every
// real binary needs.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string `env:"DB_PATH" envDefault:"spoolbuddy.db"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	MQTTPort int    `env:"MQTT_PORT" envDefault:"8883"`
	MQTTUser string `env:"MQTT_USER" envDefault:"bblp"`

	CommandTimeoutMS int `env:"COMMAND_TIMEOUT_MS" envDefault:"5000"`
	ReconnectMinMS   int `env:"RECONNECT_MIN_MS" envDefault:"1000"`
	ReconnectMaxMS   int `env:"RECONNECT_MAX_MS" envDefault:"60000"`

	SubscriberQueueDepth int `env:"SUBSCRIBER_QUEUE_DEPTH" envDefault:"256"`

	SlowConsumerMaxDrops     int `env:"SLOW_CONSUMER_MAX_DROPS" envDefault:"3"`
	SlowConsumerWindowMS     int `env:"SLOW_CONSUMER_WINDOW_MS" envDefault:"30000"`
	DeviceHeartbeatTimeoutMS int `env:"DEVICE_HEARTBEAT_TIMEOUT_MS" envDefault:"15000"`
	PushallMinIntervalMS     int `env:"PUSHALL_MIN_INTERVAL_MS" envDefault:"2000"`
	StagedAssignmentTTLMS    int `env:"STAGED_ASSIGNMENT_TTL_MS" envDefault:"3600000"`
	ShutdownDrainMS          int `env:"SHUTDOWN_DRAIN_MS" envDefault:"10000"`
}

// Load parses environment variables prefixed SPOOLBUDDY_ into a Config.
func Load() (*Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{Prefix: "SPOOLBUDDY_"})
}

func (c *Config) CommandTimeout() time.Duration { return time.Duration(c.CommandTimeoutMS) * time.Millisecond }
func (c *Config) ReconnectMin() time.Duration    { return time.Duration(c.ReconnectMinMS) * time.Millisecond }
func (c *Config) ReconnectMax() time.Duration    { return time.Duration(c.ReconnectMaxMS) * time.Millisecond }
func (c *Config) SlowConsumerWindow() time.Duration {
	return time.Duration(c.SlowConsumerWindowMS) * time.Millisecond
}
func (c *Config) DeviceHeartbeatTimeout() time.Duration {
	return time.Duration(c.DeviceHeartbeatTimeoutMS) * time.Millisecond
}
func (c *Config) PushallMinInterval() time.Duration {
	return time.Duration(c.PushallMinIntervalMS) * time.Millisecond
}
func (c *Config) StagedAssignmentTTL() time.Duration {
	return time.Duration(c.StagedAssignmentTTLMS) * time.Millisecond
}
func (c *Config) ShutdownDrain() time.Duration { return time.Duration(c.ShutdownDrainMS) * time.Millisecond }
