package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "ROUTER"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if cfg.Platform.InstanceID == "" {
		cfg.Platform.InstanceID = "router-" + uuid.NewString()[:8]
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		Router: RouterConfig{
			LiveData: LiveDataConfig{
				TopicTemplate: "sensate.live.$type.$target",
				FlushInterval: time.Second,
			},
			Trigger: TriggerConfig{
				TopicTemplate: "sensate.trigger.$type",
				FlushInterval: time.Second,
			},
			Storage: StorageConfig{
				MeasurementTopic: "sensate.storage.measurements",
				MessageTopic:     "sensate.storage.messages",
				FlushInterval:    time.Second,
				Stream:           "SENSATE_STORAGE",
				StreamMaxAge:     24 * time.Hour,
			},
			Outbound: OutboundConfig{
				FlushInterval: 500 * time.Millisecond,
				DequeueCount:  1000,
				MaxIterations: 5,
			},
			PublishTimeout: 5 * time.Second,
		},
		Roster: RosterConfig{
			Source:       RosterStatic,
			Bucket:       "ROUTER_LIVE_HANDLERS",
			PollInterval: 30 * time.Second,
		},
		Ingress: IngressConfig{
			Subjects:         []string{"sensate.routing.>"},
			OutboundSubjects: []string{"sensate.outbound"},
			QueueGroup:       "router",
			Workers:          4,
			QueueSize:        4096,
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadRaw loads a JSON or YAML file as a map with durations converted
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, format, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if format == formatYAML {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if err := parseDurations(raw, ""); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges a raw layer over base, only overriding keys present in the layer
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

func isDurationKey(key string) bool {
	for _, suffix := range []string{"_interval", "_timeout", "_wait", "_max_age"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any, prefix string) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val, prefix+k+"."); err != nil {
				return err
			}
		case string:
			if !isDurationKey(k) {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s%s: %w", prefix, k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	get := func(name string) string {
		return os.Getenv(l.envPrefix + "_" + name)
	}

	if val := get("INSTANCE_ID"); val != "" {
		cfg.Platform.InstanceID = val
	}
	if val := get("NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := get("NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := get("NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := get("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := get("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := get("LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := get("ROSTER_SOURCE"); val != "" {
		cfg.Roster.Source = val
	}
	if val := get("METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_METRICS_PORT: %w", l.envPrefix, err)
		}
		cfg.Metrics.Port = port
	}
	if val := get("PUBLISH_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s_PUBLISH_TIMEOUT: %w", l.envPrefix, err)
		}
		cfg.Router.PublishTimeout = d
	}

	return nil
}
