package shardxa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/alert"
	"pkt.systems/shardxa/internal/clock"
	"pkt.systems/shardxa/internal/commit"
	"pkt.systems/shardxa/internal/loggingutil"
	"pkt.systems/shardxa/internal/mysqlconn"
	"pkt.systems/shardxa/internal/recovery"
	"pkt.systems/shardxa/internal/retryqueue"
	"pkt.systems/shardxa/internal/storage"
	"pkt.systems/shardxa/internal/xa"
	"pkt.systems/shardxa/internal/xalog"
	"pkt.systems/shardxa/internal/xaprobe"
)

// ErrNotStarted is returned by operations that need a running service.
var ErrNotStarted = errors.New("shardxa: service not started")

// Option customises a Service.
type Option func(*options)

type options struct {
	logger pslog.Logger
	clock  clock.Clock
	store  storage.Backend
	pool   *mysqlconn.Pool
	prober commit.Prober
	hooks  commit.Hooks
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the clock driving retries and log timestamps.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithStore supplies an already opened recovery log backend instead of
// opening cfg.Store. The service takes ownership and closes it.
func WithStore(store storage.Backend) Option {
	return func(o *options) { o.store = store }
}

// WithPool supplies the data node pool instead of opening cfg.DataNodes.
func WithPool(pool *mysqlconn.Pool) Option {
	return func(o *options) { o.pool = pool }
}

// WithProber replaces the XA RECOVER based prober.
func WithProber(p commit.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithHooks installs commit flow hooks.
func WithHooks(h commit.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// Service wires the recovery log, data node pool and background retries
// around a commit coordinator.
type Service struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	store  storage.Backend
	log    *xalog.Log
	alerts *alert.Manager
	queue  *retryqueue.Queue[*commit.Txn]
	pool   *mysqlconn.Pool
	coord  *commit.Coordinator

	mu        sync.Mutex
	started   bool
	telemetry *telemetryBundle
	cancel    context.CancelFunc
	workerWG  sync.WaitGroup
}

// NewService opens every dependency described by cfg.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.EnsureLogger(o.logger)
	clk := clock.Ensure(o.clock)

	store := o.store
	if store == nil {
		var err error
		store, err = OpenStore(cfg, logger, clk)
		if err != nil {
			return nil, fmt.Errorf("shardxa: open store: %w", err)
		}
	}
	failed := true
	defer func() {
		if failed {
			_ = store.Close()
		}
	}()

	xl, err := xalog.New(xalog.Config{Store: store, Logger: logger, Clock: clk, Prefix: cfg.LogPrefix})
	if err != nil {
		return nil, err
	}
	pool := o.pool
	if pool == nil {
		pool, err = mysqlconn.Open(mysqlconn.Config{
			Nodes:       cfg.DataNodes,
			Logger:      logger,
			ExecTimeout: cfg.ConnExecTimeout,
			DialTimeout: cfg.ConnDialTimeout,
		})
		if err != nil {
			return nil, err
		}
		defer func() {
			if failed {
				_ = pool.Close()
			}
		}()
	}
	prober := o.prober
	if prober == nil {
		p, err := xaprobe.New(xaprobe.Config{Source: pool, Logger: logger, Timeout: cfg.ProbeTimeout})
		if err != nil {
			return nil, err
		}
		prober = p
	}
	queue, err := retryqueue.New[*commit.Txn](retryqueue.Config{
		Capacity:    cfg.BackgroundMaxSessions,
		Interval:    cfg.BackgroundRetryInterval,
		Concurrency: cfg.BackgroundConcurrency,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	alerts := alert.New(alert.Config{Logger: logger, Clock: clk})
	coord, err := commit.New(commit.Config{
		Log:                  xl,
		Prober:               prober,
		Registry:             queue,
		Alerter:              alerts,
		Logger:               logger,
		Clock:                clk,
		XIDPrefix:            cfg.XIDPrefix,
		RetryLimit:           cfg.CommitRetryLimit,
		AlwaysRetry:          cfg.AlwaysRetry,
		BackgroundRetryLimit: cfg.BackgroundRetryLimit,
		RetryBackoff:         cfg.CommitRetryBackoff,
		RetryBackoffMax:      cfg.CommitRetryBackoffMax,
		PrepareDelay:         cfg.PrepareDelay,
		CommitDelay:          cfg.CommitDelay,
		Hooks:                o.hooks,
	})
	if err != nil {
		return nil, err
	}
	failed = false
	return &Service{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "service"),
		clock:  clk,
		store:  store,
		log:    xl,
		alerts: alerts,
		queue:  queue,
		pool:   pool,
		coord:  coord,
	}, nil
}

// Start brings up telemetry, finishes transactions left in the recovery log
// and starts the background retry worker.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("shardxa: service already started")
	}
	s.started = true
	s.mu.Unlock()

	bundle, err := setupTelemetry(ctx, telemetryConfig{
		otlpEndpoint:   s.cfg.OTLPEndpoint,
		metricsListen:  s.cfg.MetricsListen,
		pprofListen:    s.cfg.PprofListen,
		runtimeMetrics: s.cfg.EnableProfilingMetrics,
		routes: map[string]http.Handler{
			"/alerts":  http.HandlerFunc(s.serveAlerts),
			"/healthz": http.HandlerFunc(serveHealth),
		},
	}, s.logger)
	if err != nil {
		return err
	}

	if !s.cfg.DisableRecovery {
		r, err := recovery.New(recovery.Config{
			Log:         s.log,
			Coordinator: s.coord,
			Conns:       s.pool,
			Logger:      s.logger,
			Wait:        s.cfg.RecoveryWait,
		})
		if err != nil {
			_ = bundle.Shutdown(ctx)
			return err
		}
		rep, err := r.Run(ctx)
		if err != nil {
			_ = bundle.Shutdown(ctx)
			return fmt.Errorf("shardxa: recovery: %w", err)
		}
		if len(rep.Failed) > 0 {
			s.logger.Warn("service.recovery.incomplete", "failed", rep.Failed)
		}
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		_ = s.queue.Run(workerCtx)
	}()

	s.mu.Lock()
	s.telemetry = bundle
	s.cancel = cancel
	s.mu.Unlock()
	s.logger.Info("service.started",
		"store", s.cfg.Store,
		"data_nodes", len(s.pool.Nodes()),
		"commit_retry_limit", s.cfg.CommitRetryLimit,
		"background_interval", s.cfg.BackgroundRetryInterval,
	)
	return nil
}

// Shutdown stops the background worker and releases every resource. Queued
// transactions stay COMMIT_FAILED in the recovery log and are picked up by
// the next start.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, bundle := s.cancel, s.telemetry
	s.cancel, s.telemetry = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	waited := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(waited)
	}()
	var errs []error
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shardxa: background worker: %w", ctx.Err()))
	}
	if n := s.queue.Len(); n > 0 {
		s.logger.Warn("service.shutdown.pending_background", "transactions", n)
	}
	if err := s.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := bundle.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("service.stopped")
	return errors.Join(errs...)
}

// Coordinator returns the commit coordinator for the embedding proxy.
func (s *Service) Coordinator() *commit.Coordinator { return s.coord }

// Log returns the recovery log.
func (s *Service) Log() *xalog.Log { return s.log }

// Pool returns the data node pool.
func (s *Service) Pool() *mysqlconn.Pool { return s.pool }

// Alerts returns the standing alerts.
func (s *Service) Alerts() []alert.Alert { return s.alerts.Standing() }

// BackgroundQueued returns the transactions waiting for a background retry.
func (s *Service) BackgroundQueued() []*commit.Txn { return s.queue.Snapshot() }

// ApplyRetryPolicy swaps the retry settings of a running service.
func (s *Service) ApplyRetryPolicy(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.coord.SetRetryPolicy(cfg.RetryPolicy())
	s.queue.SetInterval(cfg.BackgroundRetryInterval)
	s.logger.Info("service.retry_policy.applied",
		"commit_retry_limit", cfg.CommitRetryLimit,
		"always_retry", cfg.AlwaysRetry,
		"background_retry_limit", cfg.BackgroundRetryLimit,
		"background_interval", cfg.BackgroundRetryInterval,
	)
	return nil
}

// Session is a distributed transaction with one pinned backend session per
// participant. Statements run on Conns; Txn commits them.
type Session struct {
	Txn   *commit.Txn
	Conns map[string]*mysqlconn.Conn
}

// Begin pins a session on every target and starts an XA branch on each.
func (s *Service) Begin(ctx context.Context, sessionID string, client commit.Client, targets ...xa.Target) (*Session, error) {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()
	if !running {
		return nil, ErrNotStarted
	}
	xid := xa.NewGlobalXID(s.cfg.XIDPrefix)
	conns := make(map[string]*mysqlconn.Conn, len(targets))
	branches := make([]commit.Branch, 0, len(targets))
	abort := func(err error) (*Session, error) {
		for _, c := range conns {
			c.Close("xa start failed")
			s.pool.Release(c)
		}
		return nil, err
	}
	for _, target := range targets {
		if _, dup := conns[target.String()]; dup {
			return abort(fmt.Errorf("shardxa: duplicate participant %s", target))
		}
		c, err := s.pool.Acquire(ctx, target)
		if err != nil {
			return abort(err)
		}
		conns[target.String()] = c
		if err := c.Exec(ctx, "XA START "+xa.BranchXID(xid, target)); err != nil {
			return abort(fmt.Errorf("shardxa: xa start on %s: %w", target, err))
		}
		branches = append(branches, commit.Branch{Target: target, Conn: c})
	}
	txn, err := s.coord.NewTxn(commit.TxnConfig{ID: sessionID, XID: xid, Client: client, Conns: s.pool}, branches)
	if err != nil {
		return abort(err)
	}
	return &Session{Txn: txn, Conns: conns}, nil
}

func (s *Service) serveAlerts(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.alerts.Standing())
}

func serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ShutdownTimeout returns the configured graceful shutdown bound.
func (s *Service) ShutdownTimeout() time.Duration { return s.cfg.ShutdownTimeout }
