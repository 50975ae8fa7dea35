package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/metric"
)

// ConnectionStatus is the connection state as seen by the router.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Errors returned before a call reaches the server. Both are transient.
var (
	ErrNotConnected = fmt.Errorf("nats: %w", errors.ErrNoConnection)
	ErrCircuitOpen  = errors.ErrCircuitOpen
)

// messageTimeout bounds one subscription handler call.
const messageTimeout = 30 * time.Second

// Client owns one NATS connection and its JetStream context. Every call that
// reaches the server feeds a circuit breaker; while it is open calls fail
// fast with ErrCircuitOpen.
type Client struct {
	url     string
	cfg     settings
	logger  *slog.Logger
	metrics *metric.Metrics
	breaker *breaker

	state atomic.Int32

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	subs   []*nats.Subscription
	closed bool
}

// NewClient creates a client for url, a comma separated server list.
// Nothing is dialled until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		cfg:    defaultSettings(),
		logger: slog.Default().With("component", "nats"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.breaker = newBreaker(c.cfg.breakerThreshold, time.Second, c.cfg.breakerMax)
	return c, nil
}

// URL returns the configured server list.
func (c *Client) URL() string {
	return c.url
}

// Status returns the connection state. An open breaker wins over the
// connection state.
func (c *Client) Status() ConnectionStatus {
	if c.breaker.isOpen() {
		return StatusCircuitOpen
	}
	return ConnectionStatus(c.state.Load())
}

// IsHealthy reports whether publishes can currently succeed.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

func (c *Client) setState(s ConnectionStatus) {
	c.state.Store(int32(s))
	c.metrics.RecordNATSStatus(s == StatusConnected)
}

func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.cfg.maxReconnects),
		nats.ReconnectWait(c.cfg.reconnectWait),
		nats.PingInterval(c.cfg.pingInterval),
		nats.Timeout(c.cfg.timeout),
		nats.DrainTimeout(c.cfg.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setState(StatusReconnecting)
			c.logger.Warn("NATS connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.setState(StatusConnected)
			c.observe("reconnect", nil)
			c.logger.Info("NATS connection restored", "server", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setState(StatusDisconnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			// slow consumers land here; they are not transport failures
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}

	if c.cfg.name != "" {
		opts = append(opts, nats.Name(c.cfg.name))
	}
	if c.cfg.username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.username, c.cfg.password))
	}
	if c.cfg.token != "" {
		opts = append(opts, nats.Token(c.cfg.token))
	}
	if c.cfg.tls {
		if c.cfg.tlsCertFile != "" {
			opts = append(opts, nats.ClientCert(c.cfg.tlsCertFile, c.cfg.tlsKeyFile))
		}
		if c.cfg.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(c.cfg.tlsCAFile))
		}
	}
	return opts
}

type dialResult struct {
	conn *nats.Conn
	err  error
}

// Connect dials the servers and sets up JetStream. ctx bounds the dial; a
// connection that completes after ctx ended is closed again.
func (c *Client) Connect(ctx context.Context) error {
	if !c.breaker.allow() {
		return ErrCircuitOpen
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errors.WrapFatal(errors.ErrAlreadyStopped, "Client", "Connect", "client closed")
	}

	c.setState(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	done := make(chan dialResult, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.natsOptions()...)
		done <- dialResult{conn: conn, err: err}
	}()

	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
		c.setState(StatusDisconnected)
		return c.observe("connect", ctx.Err())
	}
	if res.err != nil {
		c.setState(StatusDisconnected)
		return c.observe("connect", res.err)
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		res.conn.Close()
		c.setState(StatusDisconnected)
		return c.observe("connect", err)
	}

	c.mu.Lock()
	c.conn, c.js = res.conn, js
	c.mu.Unlock()

	c.setState(StatusConnected)
	c.observe("connect", nil)
	c.logger.Info("Connected to NATS", "server", res.conn.ConnectedUrl())
	return nil
}

// observe feeds the outcome of op into the breaker and the metrics. A
// failure comes back wrapped as transient.
func (c *Client) observe(op string, err error) error {
	if err == nil {
		if c.breaker.success() {
			c.metrics.RecordNATSCircuit(false)
			c.logger.Info("NATS circuit closed", "operation", op)
		}
		return nil
	}

	c.metrics.RecordNATSFailure(op)
	if c.breaker.failure() {
		c.metrics.RecordNATSCircuit(true)
		c.logger.Warn("NATS circuit opened", "operation", op, "retry_in", c.breaker.retryIn(), "error", err)
	}
	return errors.WrapTransient(err, "Client", op, "nats call failed")
}

// ready returns the live connection, or why there is none.
func (c *Client) ready() (*nats.Conn, jetstream.JetStream, error) {
	if !c.breaker.allow() {
		return nil, nil, ErrCircuitOpen
	}
	c.mu.RLock()
	conn, js := c.conn, c.js
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, nil, ErrNotConnected
	}
	return conn, js, nil
}

// PublishOn implements the router Publisher. Retained payloads go through
// JetStream and wait for the stream ack; the rest are core NATS publishes.
func (c *Client) PublishOn(ctx context.Context, subject string, payload []byte, retain bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, js, err := c.ready()
	if err != nil {
		return err
	}

	if retain {
		_, err = js.Publish(ctx, subject, payload)
		return c.observe("publish_retained", err)
	}
	return c.observe("publish", conn.Publish(subject, payload))
}

// QueueSubscribe delivers messages on subject to handler. Subscribers sharing
// a queue group split the messages; an empty queue receives all of them.
// Each call gets a context derived from ctx.
func (c *Client) QueueSubscribe(ctx context.Context, subject, queue string,
	handler func(context.Context, []byte)) error {
	conn, _, err := c.ready()
	if err != nil {
		return err
	}

	cb := func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, messageTimeout)
		defer cancel()
		handler(msgCtx, msg.Data)
	}

	var sub *nats.Subscription
	if queue == "" {
		sub, err = conn.Subscribe(subject, cb)
	} else {
		sub, err = conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return c.observe("subscribe", err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// EnsureStream creates the stream or updates it to cfg.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	_, js, err := c.ready()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err := c.observe("ensure_stream", err); err != nil {
		return nil, err
	}
	c.logger.Info("Stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// CreateKeyValueBucket opens the bucket, creating it when missing.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	_, js, err := c.ready()
	if err != nil {
		return nil, err
	}
	bucket, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err := c.observe("kv_bucket", err); err != nil {
		return nil, err
	}
	return bucket, nil
}

// Close unsubscribes, drains and closes the connection. ctx shortens the
// drain timeout. Calling Close again is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, subs := c.conn, c.subs
	c.conn, c.js, c.subs = nil, nil, nil
	c.cfg.password, c.cfg.token = "", ""
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Subject, err))
		}
	}

	if conn != nil {
		timeout := c.cfg.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < timeout {
				timeout = left
			}
		}

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, fmt.Errorf("drain: %w", err))
			}
		case <-time.After(timeout):
			errs = append(errs, fmt.Errorf("drain: %w", errors.ErrConnectionTimeout))
		}
		conn.Close()
	}

	c.setState(StatusDisconnected)
	return stderrors.Join(errs...)
}
