package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/health"
	"github.com/sensate-iot/platform-router/metric"
	"github.com/sensate-iot/platform-router/router"
)

// Status represents the current status of a service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Default timings.
const (
	DefaultStopTimeout  = 10 * time.Second
	DefaultRosterPeriod = 30 * time.Second
)

// Queues are the router queues driven by the service. Nil queues are not scheduled.
type Queues struct {
	LiveData *router.LiveDataQueue
	Trigger  *router.TriggerQueue
	Storage  *router.StorageQueue
	Outbound *router.OutboundQueue
}

// Intervals sets the flush period per queue and the roster poll period.
type Intervals struct {
	LiveData time.Duration
	Trigger  time.Duration
	Storage  time.Duration
	Outbound time.Duration
	Roster   time.Duration
}

// Ingress is the inbound side started after and stopped before the queues.
type Ingress interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// HealthChecker reports transport health.
type HealthChecker interface {
	IsHealthy() bool
}

// Info holds runtime information for the service
type Info struct {
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	Uptime     time.Duration  `json:"uptime"`
	StartTime  time.Time      `json:"start_time"`
	Flushes    int64          `json:"flushes"`
	FlushFails int64          `json:"flush_failures"`
	Targets    []string       `json:"live_data_targets"`
	Queued     map[string]int `json:"queued"`
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics exports transport status through registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Router) {
		r.metrics = registry.CoreMetrics()
	}
}

// WithIngress attaches the inbound side.
func WithIngress(in Ingress) Option {
	return func(r *Router) {
		r.ingress = in
	}
}

// WithNATS includes transport health in Health.
func WithNATS(nats HealthChecker) Option {
	return func(r *Router) {
		r.nats = nats
	}
}

// WithStopTimeout bounds the shutdown triggered by parent context cancellation.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.stopTimeout = d
		}
	}
}

// Router schedules flushes and roster synchronisation for the queues.
type Router struct {
	name      string
	queues    Queues
	source    router.HandlerSource
	intervals Intervals

	ingress     Ingress
	nats        HealthChecker
	board       *health.Board
	logger      *slog.Logger
	metrics     *metric.Metrics
	stopTimeout time.Duration

	status     atomic.Value // Status
	startTime  atomic.Value // time.Time
	flushes    atomic.Int64
	flushFails atomic.Int64

	done      chan struct{}
	waitGroup sync.WaitGroup
	mu        sync.Mutex
}

// NewRouter creates the service. source may be nil when the roster is
// managed by calling SyncRoster directly.
func NewRouter(name string, queues Queues, source router.HandlerSource, intervals Intervals, opts ...Option) (*Router, error) {
	if queues.LiveData == nil && queues.Trigger == nil && queues.Storage == nil && queues.Outbound == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New", "no queues configured")
	}
	if intervals.Roster <= 0 {
		intervals.Roster = DefaultRosterPeriod
	}

	r := &Router{
		name:        name,
		queues:      queues,
		source:      source,
		intervals:   intervals,
		board:       health.NewBoard(),
		logger:      slog.Default(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With("service", name)

	for _, j := range r.jobs() {
		if j.interval <= 0 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s flush interval must be positive", errors.ErrInvalidConfig, j.name),
				"Router", "New", "check intervals")
		}
	}

	r.status.Store(StatusStopped)
	r.startTime.Store(time.Time{})
	return r, nil
}

// Name returns the service name
func (r *Router) Name() string {
	return r.name
}

// Status returns the current service status
func (r *Router) Status() Status {
	return r.status.Load().(Status)
}

// IsHealthy reports whether Health is healthy.
func (r *Router) IsHealthy() bool {
	return r.Health().IsHealthy()
}

type flushJob struct {
	name     string
	interval time.Duration
	flush    func(context.Context) error
}

func (r *Router) jobs() []flushJob {
	var jobs []flushJob
	if q := r.queues.LiveData; q != nil {
		jobs = append(jobs, flushJob{metric.QueueLiveData, r.intervals.LiveData, q.FlushLiveData})
	}
	if q := r.queues.Trigger; q != nil {
		jobs = append(jobs, flushJob{metric.QueueTrigger, r.intervals.Trigger, q.Flush})
	}
	if q := r.queues.Storage; q != nil {
		jobs = append(jobs, flushJob{metric.QueueStorage, r.intervals.Storage, q.FlushMessages})
	}
	if q := r.queues.Outbound; q != nil {
		jobs = append(jobs, flushJob{metric.QueueOutbound, r.intervals.Outbound, q.FlushQueue})
	}
	return jobs
}

// Start syncs the roster once, starts the flush and roster loops and then
// the ingress. A failed initial roster read leaves the roster empty and the
// service degraded until the next poll succeeds.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.Status()
	if current == StatusRunning || current == StatusStarting {
		return nil
	}
	r.status.Store(StatusStarting)
	r.done = make(chan struct{})

	if err := r.SyncRoster(ctx); err != nil {
		r.logger.Warn("Initial roster sync failed", "error", err)
	}

	for _, j := range r.jobs() {
		r.waitGroup.Add(1)
		go r.flushLoop(j)
	}
	if r.source != nil && r.queues.LiveData != nil {
		r.waitGroup.Add(1)
		go r.rosterLoop()
	}

	if r.ingress != nil {
		if err := r.ingress.Start(ctx); err != nil {
			close(r.done)
			r.waitGroup.Wait()
			r.status.Store(StatusStopped)
			return errors.Wrap(err, "Router", "Start", "start ingress")
		}
	}

	r.startTime.Store(time.Now())
	r.status.Store(StatusRunning)
	go r.contextMonitor(ctx, r.done)

	r.logger.Info("Router started", "queues", len(r.jobs()), "targets", r.targets())
	return nil
}

// Stop stops the ingress, ends the loops and flushes every queue one last
// time. It is idempotent.
func (r *Router) Stop(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.Status()
	if current == StatusStopped || current == StatusStopping {
		return nil
	}
	r.status.Store(StatusStopping)
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	deadline := time.Now().Add(timeout)

	var errs []error
	if r.ingress != nil {
		if err := r.ingress.Stop(timeout / 2); err != nil {
			errs = append(errs, errors.Wrap(err, "Router", "Stop", "stop ingress"))
		}
	}

	close(r.done)
	r.waitGroup.Wait()

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := r.FlushAll(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "Router", "Stop", "final flush"))
	}

	r.status.Store(StatusStopped)
	r.logger.Info("Router stopped", "flushes", r.flushes.Load(), "flush_failures", r.flushFails.Load())
	return stderrors.Join(errs...)
}

// FlushAll flushes every queue concurrently and waits for all of them.
func (r *Router) FlushAll(ctx context.Context) error {
	jobs := r.jobs()
	errs := make([]error, len(jobs))

	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j flushJob) {
			defer wg.Done()
			errs[i] = r.runFlush(ctx, j)
		}(i, j)
	}
	wg.Wait()
	return stderrors.Join(errs...)
}

// SyncRoster reads the handler roster and applies it to the live data queue.
func (r *Router) SyncRoster(ctx context.Context) error {
	if r.source == nil || r.queues.LiveData == nil {
		return nil
	}

	handlers, err := r.source.GetLiveDataHandlers(ctx)
	if err != nil {
		r.board.Set(health.FromError("roster", err, ""))
		return errors.Wrap(err, "Router", "SyncRoster", "read roster")
	}

	added, removed := r.queues.LiveData.SyncLiveDataHandlers(handlers)
	r.board.Set(health.NewHealthy("roster", fmt.Sprintf("%d live data targets", len(router.HandlerNames(handlers)))))
	if len(added) > 0 || len(removed) > 0 {
		r.logger.Debug("Roster synchronised", "added", added, "removed", removed)
	}
	return nil
}

func (r *Router) runFlush(ctx context.Context, j flushJob) error {
	err := j.flush(ctx)
	r.flushes.Add(1)
	if err != nil {
		r.flushFails.Add(1)
		r.logger.Warn("Flush reported failures", "queue", j.name, "error", err)
	}
	r.board.Set(health.FromError(j.name, err, "last flush succeeded"))
	return err
}

func (r *Router) flushLoop(j flushJob) {
	defer r.waitGroup.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			// flushes are not cancelled mid-batch; publishes carry their own timeout
			_ = r.runFlush(context.Background(), j)
		}
	}
}

func (r *Router) rosterLoop() {
	defer r.waitGroup.Done()

	ticker := time.NewTicker(r.intervals.Roster)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.intervals.Roster)
			if err := r.SyncRoster(ctx); err != nil {
				r.logger.Warn("Roster sync failed, keeping current targets", "error", err)
			}
			cancel()
		}
	}
}

// contextMonitor stops the service when the parent context ends.
func (r *Router) contextMonitor(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		if err := r.Stop(r.stopTimeout); err != nil {
			r.logger.Error("Shutdown after context cancellation reported errors", "error", err)
		}
	case <-done:
	}
}

// Health aggregates lifecycle, transport, roster and per-queue flush health.
func (r *Router) Health() health.Status {
	switch st := r.Status(); st {
	case StatusStopped:
		return health.NewUnhealthy(r.name, "Service is stopped")
	case StatusStarting, StatusStopping:
		return health.NewDegraded(r.name, fmt.Sprintf("Service is %s", st))
	}

	subs := r.board.Statuses()
	if r.nats != nil {
		connected := r.nats.IsHealthy()
		r.metrics.RecordNATSStatus(connected)
		if connected {
			subs = append(subs, health.NewHealthy("nats", "connected"))
		} else {
			subs = append(subs, health.NewUnhealthy("nats", "not connected"))
		}
	}

	agg := health.Aggregate(r.name, subs)
	started := r.startTime.Load().(time.Time)
	return agg.WithMetrics(&health.Metrics{
		Uptime:      time.Since(started),
		ErrorCount:  int(r.flushFails.Load()),
		QueuedItems: r.queuedTotal(),
	})
}

// GetStatus returns the current service information
func (r *Router) GetStatus() Info {
	started := r.startTime.Load().(time.Time)
	uptime := time.Duration(0)
	if !started.IsZero() && r.Status() == StatusRunning {
		uptime = time.Since(started)
	}

	return Info{
		Name:       r.name,
		Status:     r.Status(),
		Uptime:     uptime,
		StartTime:  started,
		Flushes:    r.flushes.Load(),
		FlushFails: r.flushFails.Load(),
		Targets:    r.targets(),
		Queued:     r.queued(),
	}
}

func (r *Router) targets() []string {
	if r.queues.LiveData == nil {
		return nil
	}
	return r.queues.LiveData.Targets()
}

func (r *Router) queued() map[string]int {
	q := make(map[string]int, 4)
	if r.queues.LiveData != nil {
		q[metric.QueueLiveData] = r.queues.LiveData.Len()
	}
	if r.queues.Trigger != nil {
		q[metric.QueueTrigger] = r.queues.Trigger.Len()
	}
	if r.queues.Storage != nil {
		q[metric.QueueStorage] = r.queues.Storage.Len()
	}
	if r.queues.Outbound != nil {
		q[metric.QueueOutbound] = r.queues.Outbound.QueueLength()
	}
	return q
}

func (r *Router) queuedTotal() int {
	n := 0
	for _, v := range r.queued() {
		n += v
	}
	return n
}
