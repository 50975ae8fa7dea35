package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sensate-iot/platform-router/metric"
)

// ClientOption configures a Client.
type ClientOption func(*Client) error

// settings are the connection parameters handed to nats.Connect.
type settings struct {
	name          string
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string

	tls         bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	breakerThreshold int
	breakerMax       time.Duration
}

func defaultSettings() settings {
	return settings{
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		breakerThreshold: 5,
		breakerMax:       time.Minute,
	}
}

// WithName sets the connection name shown in server monitoring.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.cfg.name = name
		return nil
	}
}

// WithLogger sets the logger. Nil keeps slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.With("component", "nats")
		}
		return nil
	}
}

// WithMetrics reports connection state, failures and the breaker state.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithMaxReconnects sets reconnect attempts after a lost connection, -1 for
// no limit.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.cfg.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.cfg.reconnectWait = d
		}
		return nil
	}
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.cfg.timeout = d
		}
		return nil
	}
}

// WithDrainTimeout bounds Close.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.cfg.drainTimeout = d
		}
		return nil
	}
}

// WithCircuitBreaker sets the consecutive failures that open the circuit and
// the longest cooldown.
func WithCircuitBreaker(threshold int, maxCooldown time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return fmt.Errorf("circuit breaker threshold must be at least 1, got %d", threshold)
		}
		c.cfg.breakerThreshold = threshold
		if maxCooldown > 0 {
			c.cfg.breakerMax = maxCooldown
		}
		return nil
	}
}

// WithCredentials authenticates with user and password.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.cfg.username = username
		c.cfg.password = password
		return nil
	}
}

// WithToken authenticates with a token.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.cfg.token = token
		return nil
	}
}

// WithTLS enables TLS. The client certificate is optional but cert and key
// come together.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		if (certFile == "") != (keyFile == "") {
			return fmt.Errorf("tls: cert and key must be set together")
		}
		c.cfg.tls = true
		c.cfg.tlsCertFile = certFile
		c.cfg.tlsKeyFile = keyFile
		c.cfg.tlsCAFile = caFile
		return nil
	}
}
