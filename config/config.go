package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/sensate-iot/platform-router/errors"
)

// Template tokens substituted into topic templates.
const (
	TokenType   = "$type"
	TokenTarget = "$target"
)

// Roster source kinds.
const (
	RosterStatic = "static"
	RosterKV     = "kv"
)

// Config represents the complete router configuration
type Config struct {
	Platform PlatformConfig `json:"platform" yaml:"platform"`
	NATS     NATSConfig     `json:"nats" yaml:"nats"`
	Router   RouterConfig   `json:"router" yaml:"router"`
	Roster   RosterConfig   `json:"roster" yaml:"roster"`
	Ingress  IngressConfig  `json:"ingress" yaml:"ingress"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// PlatformConfig identifies this router instance
type PlatformConfig struct {
	InstanceID  string `json:"instance_id,omitempty" yaml:"instance_id"`
	Environment string `json:"environment,omitempty" yaml:"environment"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs           []string      `json:"urls,omitempty" yaml:"urls"`
	MaxReconnects  int           `json:"max_reconnects,omitempty" yaml:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout"`
	Username       string        `json:"username,omitempty" yaml:"username"`
	Password       string        `json:"password,omitempty" yaml:"password"`
	Token          string        `json:"token,omitempty" yaml:"token"`
	TLS            NATSTLSConfig `json:"tls,omitempty" yaml:"tls"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file"`
}

// RouterConfig holds the queue settings
type RouterConfig struct {
	LiveData LiveDataConfig `json:"live_data" yaml:"live_data"`
	Trigger  TriggerConfig  `json:"trigger" yaml:"trigger"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Outbound OutboundConfig `json:"outbound" yaml:"outbound"`

	PublishTimeout   time.Duration `json:"publish_timeout,omitempty" yaml:"publish_timeout"`
	RequeueOnFailure bool          `json:"requeue_on_failure" yaml:"requeue_on_failure"`
}

// LiveDataConfig configures the live-data fan-out queue
type LiveDataConfig struct {
	TopicTemplate string        `json:"topic_template" yaml:"topic_template"`
	FlushInterval time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval"`
}

// TriggerConfig configures the trigger queue
type TriggerConfig struct {
	TopicTemplate string        `json:"topic_template" yaml:"topic_template"`
	FlushInterval time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval"`
}

// StorageConfig configures the storage queue and its durable stream
type StorageConfig struct {
	MeasurementTopic string        `json:"measurement_topic" yaml:"measurement_topic"`
	MessageTopic     string        `json:"message_topic" yaml:"message_topic"`
	FlushInterval    time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval"`
	Stream           string        `json:"stream" yaml:"stream"`
	StreamMaxAge     time.Duration `json:"stream_max_age,omitempty" yaml:"stream_max_age"`
}

// OutboundConfig configures the public outbound queue
type OutboundConfig struct {
	FlushInterval time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval"`
	DequeueCount  int           `json:"dequeue_count" yaml:"dequeue_count"`
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	Capacity      int           `json:"capacity,omitempty" yaml:"capacity"` // 0 is unbounded
	RateLimit     float64       `json:"rate_limit,omitempty" yaml:"rate_limit"`
	RateBurst     int           `json:"rate_burst,omitempty" yaml:"rate_burst"`
}

// RosterConfig selects where live-data handlers come from
type RosterConfig struct {
	Source       string          `json:"source" yaml:"source"`
	Bucket       string          `json:"bucket,omitempty" yaml:"bucket"`
	PollInterval time.Duration   `json:"poll_interval,omitempty" yaml:"poll_interval"`
	Handlers     []HandlerConfig `json:"handlers,omitempty" yaml:"handlers"`
}

// HandlerConfig is a statically configured live-data handler
type HandlerConfig struct {
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// IngressConfig lists the subjects routed messages arrive on
type IngressConfig struct {
	Subjects         []string `json:"subjects,omitempty" yaml:"subjects"`
	OutboundSubjects []string `json:"outbound_subjects,omitempty" yaml:"outbound_subjects"`
	QueueGroup       string   `json:"queue_group,omitempty" yaml:"queue_group"`
	Workers          int      `json:"workers,omitempty" yaml:"workers"`
	QueueSize        int      `json:"queue_size,omitempty" yaml:"queue_size"`
}

// MetricsConfig configures the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port" yaml:"port"`
	Path string `json:"path,omitempty" yaml:"path"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Validate", "check configuration")
	}
	return nil
}

func (c *Config) validate() error {
	if c.Platform.InstanceID == "" {
		return fmt.Errorf("platform.instance_id is required")
	}
	if !isValidSubjectPart(c.Platform.InstanceID) {
		return fmt.Errorf("platform.instance_id %q is not valid for NATS subjects", c.Platform.InstanceID)
	}

	if len(c.NATS.URLs) == 0 {
		return fmt.Errorf("nats.urls is required")
	}
	if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return fmt.Errorf("nats.tls.cert_file and nats.tls.key_file must be set together")
	}

	r := c.Router
	if !strings.Contains(r.LiveData.TopicTemplate, TokenType) || !strings.Contains(r.LiveData.TopicTemplate, TokenTarget) {
		return fmt.Errorf("router.live_data.topic_template must contain %s and %s", TokenType, TokenTarget)
	}
	if !strings.Contains(r.Trigger.TopicTemplate, TokenType) {
		return fmt.Errorf("router.trigger.topic_template must contain %s", TokenType)
	}
	if r.Storage.MeasurementTopic == "" || r.Storage.MessageTopic == "" {
		return fmt.Errorf("router.storage measurement_topic and message_topic are required")
	}
	if r.Storage.MeasurementTopic == r.Storage.MessageTopic {
		return fmt.Errorf("router.storage topics must differ")
	}
	if r.Storage.Stream == "" {
		return fmt.Errorf("router.storage.stream is required")
	}

	for name, d := range map[string]time.Duration{
		"router.live_data.flush_interval": r.LiveData.FlushInterval,
		"router.trigger.flush_interval":   r.Trigger.FlushInterval,
		"router.storage.flush_interval":   r.Storage.FlushInterval,
		"router.outbound.flush_interval":  r.Outbound.FlushInterval,
		"router.publish_timeout":          r.PublishTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if r.Outbound.DequeueCount <= 0 || r.Outbound.MaxIterations <= 0 {
		return fmt.Errorf("router.outbound dequeue_count and max_iterations must be positive")
	}
	if r.Outbound.Capacity < 0 {
		return fmt.Errorf("router.outbound.capacity must not be negative")
	}
	if r.Outbound.Capacity > 0 && r.Outbound.Capacity < r.Outbound.DequeueCount {
		return fmt.Errorf("router.outbound.capacity must be zero (unbounded) or at least dequeue_count")
	}
	if r.Outbound.RateLimit < 0 || r.Outbound.RateBurst < 0 {
		return fmt.Errorf("router.outbound rate_limit and rate_burst must not be negative")
	}

	switch c.Roster.Source {
	case RosterStatic:
		for i, h := range c.Roster.Handlers {
			if h.Name == "" {
				return fmt.Errorf("roster.handlers[%d].name is required", i)
			}
		}
	case RosterKV:
		if c.Roster.Bucket == "" {
			return fmt.Errorf("roster.bucket is required for the kv source")
		}
	default:
		return fmt.Errorf("roster.source must be %q or %q, got %q", RosterStatic, RosterKV, c.Roster.Source)
	}
	if c.Roster.PollInterval <= 0 {
		return fmt.Errorf("roster.poll_interval must be positive")
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	return nil
}

// isValidSubjectPart reports whether s can be used as one NATS subject token
func isValidSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}
