package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sensate-iot/platform-router/message"
	"github.com/sensate-iot/platform-router/metric"
	"github.com/sensate-iot/platform-router/wire"
)

// Topic template tokens.
const (
	TokenType   = "$type"
	TokenTarget = "$target"
)

// DefaultPublishTimeout bounds a single publish call.
const DefaultPublishTimeout = 5 * time.Second

// Target names a live-data consumer.
type Target struct {
	Name string
}

// LiveDataHandler is a roster entry reported by a HandlerSource.
type LiveDataHandler struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Publisher delivers a payload to a topic. Implementations must be safe for
// concurrent use; retain asks the transport to keep the payload durably.
type Publisher interface {
	PublishOn(ctx context.Context, topic string, payload []byte, retain bool) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, topic string, payload []byte, retain bool) error

// PublishOn implements Publisher.
func (f PublisherFunc) PublishOn(ctx context.Context, topic string, payload []byte, retain bool) error {
	return f(ctx, topic, payload, retain)
}

// HandlerSource reports the current live-data roster.
type HandlerSource interface {
	GetLiveDataHandlers(ctx context.Context) ([]LiveDataHandler, error)
}

// FormatTopic substitutes the kind marker and target name into template.
func FormatTopic(template string, kind message.Kind, target string) string {
	return strings.NewReplacer(TokenType, kind.String(), TokenTarget, target).Replace(template)
}

// Option configures a queue.
type Option func(*settings)

type settings struct {
	encoder  wire.Encoder
	timeout  time.Duration
	requeue  bool
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
}

func applyOptions(opts []Option) *settings {
	s := &settings{
		encoder: wire.Codec{},
		timeout: DefaultPublishTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WithEncoder replaces the default wire codec.
func WithEncoder(enc wire.Encoder) Option {
	return func(s *settings) {
		if enc != nil {
			s.encoder = enc
		}
	}
}

// WithPublishTimeout bounds each publish call. Non-positive values keep the default.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRequeueOnFailure puts the records of a batch that failed with a
// transient error back in front of the recipient's current buffer.
func WithRequeueOnFailure(enabled bool) Option {
	return func(s *settings) {
		s.requeue = enabled
	}
}

// WithLogger sets the logger. A component attribute is added per queue.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records queue gauges and publish outcomes in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *settings) {
		s.registry = registry
		s.metrics = registry.CoreMetrics()
	}
}
