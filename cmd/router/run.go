package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/sensate-iot/platform-router/config"
	"github.com/sensate-iot/platform-router/ingress"
	"github.com/sensate-iot/platform-router/metric"
	"github.com/sensate-iot/platform-router/natsclient"
	"github.com/sensate-iot/platform-router/pkg/retry"
	"github.com/sensate-iot/platform-router/roster"
	"github.com/sensate-iot/platform-router/router"
	"github.com/sensate-iot/platform-router/service"
)

const defaultShutdownTimeout = 30 * time.Second

type runOptions struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// loadConfig loads and validates configuration. An empty path uses the
// defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func run(parent context.Context, opts runOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("Starting platform router",
		"build_time", BuildTime,
		"instance_id", cfg.Platform.InstanceID,
		"config_path", opts.ConfigPath)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()

	client, err := connectNATS(ctx, cfg, registry.CoreMetrics(), logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("Closing NATS connection failed", "error", err)
		}
	}()

	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Router.Storage.Stream,
		Subjects: []string{cfg.Router.Storage.MeasurementTopic, cfg.Router.Storage.MessageTopic},
		MaxAge:   cfg.Router.Storage.StreamMaxAge,
		Storage:  jetstream.FileStorage,
	}); err != nil {
		return fmt.Errorf("ensure storage stream: %w", err)
	}

	queues, err := buildQueues(cfg, client, registry, logger)
	if err != nil {
		return err
	}

	source, err := buildRosterSource(ctx, cfg, client, logger)
	if err != nil {
		return err
	}

	dispatcher := ingress.NewDispatcher(ingress.Queues{
		LiveData: queues.LiveData,
		Trigger:  queues.Trigger,
		Storage:  queues.Storage,
		Outbound: queues.Outbound,
	}, logger, registry.CoreMetrics())

	subscriber, err := ingress.NewSubscriber(client, dispatcher, ingress.Config{
		Subjects:         cfg.Ingress.Subjects,
		OutboundSubjects: cfg.Ingress.OutboundSubjects,
		QueueGroup:       cfg.Ingress.QueueGroup,
		Workers:          cfg.Ingress.Workers,
		QueueSize:        cfg.Ingress.QueueSize,
	}, registry, logger)
	if err != nil {
		return fmt.Errorf("create ingress: %w", err)
	}

	svc, err := service.NewRouter(cfg.Platform.InstanceID, queues, source, intervalsFrom(cfg),
		service.WithLogger(logger),
		service.WithMetrics(registry),
		service.WithIngress(subscriber),
		service.WithNATS(client),
		service.WithStopTimeout(opts.ShutdownTimeout),
	)
	if err != nil {
		return fmt.Errorf("create router service: %w", err)
	}

	var server *metric.Server
	var serveErrs <-chan error
	if cfg.Metrics.Port > 0 {
		server = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		server.SetHealthFunc(svc.Health)
		serveErrs, err = server.Start()
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server listening", "address", server.Address())
	}

	if err := svc.Start(context.Background()); err != nil {
		return fmt.Errorf("start router service: %w", err)
	}
	logger.Info("Platform router started", "live_data_targets", len(svc.GetStatus().Targets))

	g, gctx := errgroup.WithContext(ctx)
	if serveErrs != nil {
		g.Go(func() error {
			if err, ok := <-serveErrs; ok {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "cause", context.Cause(gctx))

		if err := svc.Stop(opts.ShutdownTimeout); err != nil {
			logger.Error("Router shutdown incomplete", "error", err)
		}
		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Warn("Stopping metrics server failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Platform router shutdown complete")
	return nil
}

// connectNATS creates the client and retries the initial connection.
func connectNATS(ctx context.Context, cfg *config.Config, metrics *metric.Metrics,
	logger *slog.Logger) (*natsclient.Client, error) {
	opts := append(natsClientOptions(cfg, logger), natsclient.WithMetrics(metrics))
	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	timeout := cfg.NATS.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	logger.Info("Connecting to NATS", "url", client.URL())
	err = retry.Do(ctx, retry.Connect(), func() error {
		connCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return client.Connect(connCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

func natsClientOptions(cfg *config.Config, logger *slog.Logger) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Platform.InstanceID),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}
	return opts
}

// buildQueues creates the four queues publishing through pub.
func buildQueues(cfg *config.Config, pub router.Publisher, registry *metric.MetricsRegistry,
	logger *slog.Logger) (service.Queues, error) {
	opts := []router.Option{
		router.WithLogger(logger),
		router.WithMetrics(registry),
		router.WithPublishTimeout(cfg.Router.PublishTimeout),
		router.WithRequeueOnFailure(cfg.Router.RequeueOnFailure),
	}

	live, err := router.NewLiveDataQueue(pub, cfg.Router.LiveData.TopicTemplate, opts...)
	if err != nil {
		return service.Queues{}, fmt.Errorf("create live data queue: %w", err)
	}
	trigger, err := router.NewTriggerQueue(pub, cfg.Router.Trigger.TopicTemplate, opts...)
	if err != nil {
		return service.Queues{}, fmt.Errorf("create trigger queue: %w", err)
	}
	storage, err := router.NewStorageQueue(pub, cfg.Router.Storage.MeasurementTopic,
		cfg.Router.Storage.MessageTopic, opts...)
	if err != nil {
		return service.Queues{}, fmt.Errorf("create storage queue: %w", err)
	}
	outbound, err := router.NewOutboundQueue(pub, router.OutboundLimits{
		DequeueCount:  cfg.Router.Outbound.DequeueCount,
		MaxIterations: cfg.Router.Outbound.MaxIterations,
		Capacity:      cfg.Router.Outbound.Capacity,
		RatePerSecond: cfg.Router.Outbound.RateLimit,
		Burst:         cfg.Router.Outbound.RateBurst,
	}, opts...)
	if err != nil {
		return service.Queues{}, fmt.Errorf("create outbound queue: %w", err)
	}

	return service.Queues{
		LiveData: live,
		Trigger:  trigger,
		Storage:  storage,
		Outbound: outbound,
	}, nil
}

// buildRosterSource returns the configured live-data handler source.
func buildRosterSource(ctx context.Context, cfg *config.Config, client *natsclient.Client,
	logger *slog.Logger) (router.HandlerSource, error) {
	switch cfg.Roster.Source {
	case config.RosterKV:
		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Roster.Bucket,
			Description: "Live data handlers served by the router",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("open roster bucket %s: %w", cfg.Roster.Bucket, err)
		}
		source, err := roster.NewKVSource(client.NewKVStore(bucket), roster.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("create roster source: %w", err)
		}
		return source, nil
	default:
		return roster.NewStaticSource(staticHandlers(cfg.Roster.Handlers)), nil
	}
}

func staticHandlers(handlers []config.HandlerConfig) []router.LiveDataHandler {
	out := make([]router.LiveDataHandler, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, router.LiveDataHandler{Name: h.Name, Enabled: h.Enabled})
	}
	return out
}

func intervalsFrom(cfg *config.Config) service.Intervals {
	return service.Intervals{
		LiveData: cfg.Router.LiveData.FlushInterval,
		Trigger:  cfg.Router.Trigger.FlushInterval,
		Storage:  cfg.Router.Storage.FlushInterval,
		Outbound: cfg.Router.Outbound.FlushInterval,
		Roster:   cfg.Roster.PollInterval,
	}
}
