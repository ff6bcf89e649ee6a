// Package syncer binds a broker subscription, a storage lister and the
// in-memory mirror: a change notification schedules a listing of the
// affected directory, the listing is diffed into the mirror and the
// resulting delta is handed to the registered observer.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/broker"
	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/metrics"
	"github.com/fruitsalade/nsmirror/internal/mirror"
	"github.com/fruitsalade/nsmirror/internal/model"
	"github.com/fruitsalade/nsmirror/internal/storage"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")
	// ErrStopped is returned by a Start that Stop overtook.
	ErrStopped = errors.New("orchestrator stopped")
)

// EventSource is the notification side. *broker.Connection satisfies it.
type EventSource interface {
	OnEvent(fn func(broker.Event))
	Open(creds broker.Credentials, filters []model.Acceptor) error
	WaitReady(ctx context.Context) error
	Close() error
}

// Observer receives the entries changed by one refresh.
type Observer interface {
	OnChange(updated, added, removed []model.Entry)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(updated, added, removed []model.Entry)

// OnChange calls f.
func (f ObserverFunc) OnChange(updated, added, removed []model.Entry) {
	f(updated, added, removed)
}

// Config configures an Orchestrator.
type Config struct {
	Credentials broker.Credentials

	Workers   int // concurrent listings
	QueueSize int // pending refresh requests

	// EmitInitial reports the startup listing and crawl to the observer.
	EmitInitial bool
	// Crawl lists newly discovered directories without waiting for a
	// notification.
	Crawl bool

	// ReadyTimeout bounds how long Start waits for the subscription.
	ReadyTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    256,
		Crawl:        true,
		ReadyTimeout: 10 * time.Second,
	}
}

// Stats counts orchestrator activity since Start.
type Stats struct {
	Fetches  uint64 `json:"fetches"`
	Failures uint64 `json:"failures"`
	Dropped  uint64 `json:"dropped"`
	Deltas   uint64 `json:"deltas"`
}

type request struct {
	path      string
	bootstrap bool // part of the startup crawl
}

type flight struct {
	bootstrap bool
}

type result struct {
	req     request
	entries []model.Entry
	err     error
	elapsed time.Duration
}

// Orchestrator keeps the mirror in step with the backend.
type Orchestrator struct {
	lister storage.Lister
	source EventSource
	mirror *mirror.Mirror
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	observer  Observer
	started   bool
	stopped   bool
	accepting bool
	inflight  map[string]*flight
	queue     chan request
	results   chan result

	workers     sync.WaitGroup
	applierDone chan struct{}
	stopOnce    sync.Once
	stopErr     error

	fetches  atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64
	deltas   atomic.Uint64
}

// New creates an Orchestrator. Nothing runs until Start.
func New(lister storage.Lister, source EventSource, m *mirror.Mirror, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		lister:      lister,
		source:      source,
		mirror:      m,
		cfg:         cfg,
		logger:      logging.Named(cfg.Logger, "syncer").With(zap.String("root", m.RootPath())),
		ctx:         ctx,
		cancel:      cancel,
		inflight:    make(map[string]*flight),
		queue:       make(chan request, cfg.QueueSize),
		results:     make(chan result, cfg.QueueSize),
		applierDone: make(chan struct{}),
	}
}

// Mirror returns the mirror kept by the orchestrator.
func (o *Orchestrator) Mirror() *mirror.Mirror {
	return o.mirror
}

// SetObserver registers the delta observer. nil unregisters.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = obs
}

// ClearObserver unregisters the observer.
func (o *Orchestrator) ClearObserver() {
	o.SetObserver(nil)
}

// Stats returns activity counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Fetches:  o.fetches.Load(),
		Failures: o.failures.Load(),
		Dropped:  o.dropped.Load(),
		Deltas:   o.deltas.Load(),
	}
}

// Start connects the lister, lists the root into the mirror, starts the
// refresh workers and subscribes to notifications for the subtree. A
// failing root listing or a fatal subscription error is returned; a
// subscription that is merely slow is logged and Start succeeds. Call
// Stop after a failed Start to release what was acquired.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	root := o.mirror.RootPath()
	if err := o.lister.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s lister: %w", o.lister.Type(), err)
	}

	start := time.Now()
	entries, err := o.lister.List(ctx, root)
	o.fetches.Add(1)
	if err != nil {
		o.failures.Add(1)
		metrics.RecordRefresh(time.Since(start), false)
		return fmt.Errorf("list root %s: %w", root, err)
	}
	delta, err := o.mirror.Refresh(root, entries)
	if err != nil {
		o.failures.Add(1)
		metrics.RecordRefresh(time.Since(start), false)
		return fmt.Errorf("refresh root %s: %w", root, err)
	}
	metrics.RecordRefresh(time.Since(start), true)
	o.logger.Info("root listed", zap.Int("entries", len(entries)), zap.Duration("duration", time.Since(start)))
	o.publish(delta, !o.cfg.EmitInitial)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	o.accepting = true
	o.mu.Unlock()
	for i := 0; i < o.cfg.Workers; i++ {
		o.workers.Add(1)
		go o.worker()
	}
	go o.applier()

	if o.cfg.Crawl {
		for _, p := range delta.Stale {
			o.schedule(request{path: p, bootstrap: true})
		}
	}

	o.source.OnEvent(o.HandleEvent)
	if err := o.source.Open(o.cfg.Credentials, []model.Acceptor{model.SubtreeAcceptor(root)}); err != nil {
		return fmt.Errorf("open notification source: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()
	err = o.source.WaitReady(waitCtx)
	switch {
	case err == nil:
		o.logger.Info("subscribed to notifications")
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		o.logger.Warn("notification subscription not ready yet, continuing",
			zap.Duration("timeout", o.cfg.ReadyTimeout))
	default:
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// HandleEvent schedules a refresh for a change notification. The listed
// directory is the event path when it is a tracked directory, otherwise its
// nearest tracked ancestor. Events outside the root are ignored.
func (o *Orchestrator) HandleEvent(ev broker.Event) {
	root := o.mirror.RootPath()
	p := model.CleanPath(ev.Path)
	if !model.Within(root, p) {
		o.logger.Debug("ignoring event outside root", zap.String("path", p))
		return
	}
	target, ok := o.mirror.NearestTracked(p)
	if !ok {
		target = root
	}
	o.logger.Debug("change notification",
		zap.String("path", p),
		zap.String("hint", ev.Hint),
		zap.String("target", target))
	o.schedule(request{path: target})
}

// RequestRefresh asks for a listing of path. It reports whether a new
// fetch was queued; false means one is already in flight, the queue is
// full, the path is outside the root or the orchestrator is not running.
func (o *Orchestrator) RequestRefresh(path string) bool {
	p := model.CleanPath(path)
	if !model.Within(o.mirror.RootPath(), p) {
		return false
	}
	return o.schedule(request{path: p})
}

func (o *Orchestrator) schedule(req request) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.accepting {
		o.drop(req, "stopped")
		return false
	}
	if f, ok := o.inflight[req.path]; ok {
		if !req.bootstrap {
			f.bootstrap = false
		}
		o.drop(req, "coalesced")
		return false
	}
	select {
	case o.queue <- req:
		o.inflight[req.path] = &flight{bootstrap: req.bootstrap}
		return true
	default:
		o.logger.Warn("refresh queue full, dropping request", zap.String("path", req.path))
		o.drop(req, "queue_full")
		return false
	}
}

func (o *Orchestrator) drop(req request, reason string) {
	o.dropped.Add(1)
	metrics.RecordRefreshDropped(reason)
	o.logger.Debug("refresh request dropped", zap.String("path", req.path), zap.String("reason", reason))
}

// worker only fetches. Mutation happens on the applier.
func (o *Orchestrator) worker() {
	defer o.workers.Done()
	for req := range o.queue {
		start := time.Now()
		entries, err := o.lister.List(o.ctx, req.path)
		o.fetches.Add(1)
		o.results <- result{req: req, entries: entries, err: err, elapsed: time.Since(start)}
	}
}

func (o *Orchestrator) applier() {
	defer close(o.applierDone)
	for res := range o.results {
		o.apply(res)
	}
}

func (o *Orchestrator) apply(res result) {
	path := res.req.path

	o.mu.Lock()
	bootstrap := res.req.bootstrap
	if f, ok := o.inflight[path]; ok {
		bootstrap = f.bootstrap
		delete(o.inflight, path)
	}
	o.mu.Unlock()

	if res.err != nil {
		o.failures.Add(1)
		metrics.RecordRefresh(res.elapsed, false)
		o.fetchFailed(path, bootstrap, res.err)
		return
	}

	delta, err := o.mirror.Refresh(path, res.entries)
	if err != nil {
		o.failures.Add(1)
		metrics.RecordRefresh(res.elapsed, false)
		o.logger.Error("rejected listing", zap.String("path", path), zap.Error(err))
		return
	}
	metrics.RecordRefresh(res.elapsed, true)
	metrics.SetMirrorEntries(o.mirror.Len())

	if o.cfg.Crawl {
		for _, p := range delta.Stale {
			o.schedule(request{path: p, bootstrap: bootstrap})
		}
	}
	o.publish(delta, bootstrap && !o.cfg.EmitInitial)
}

func (o *Orchestrator) fetchFailed(path string, bootstrap bool, err error) {
	if o.ctx.Err() != nil {
		o.logger.Debug("fetch abandoned on shutdown", zap.String("path", path))
		return
	}
	root := o.mirror.RootPath()
	if errors.Is(err, storage.ErrNotFound) && path != root {
		parent := model.ParentPath(path)
		o.logger.Info("directory vanished, refreshing parent",
			zap.String("path", path),
			zap.String("parent", parent))
		o.schedule(request{path: parent, bootstrap: bootstrap})
		return
	}
	o.logger.Warn("fetch failed, dropping refresh",
		zap.String("path", path),
		zap.Bool("transient", storage.IsTransient(err)),
		zap.Error(err))
}

// publish hands a non-empty delta to the observer unless suppressed.
func (o *Orchestrator) publish(delta model.Delta, suppress bool) {
	if delta.Empty() {
		return
	}
	metrics.RecordDelta(len(delta.Added), len(delta.Updated), len(delta.Removed))
	if suppress {
		o.logger.Debug("suppressing initial delta", zap.String("path", delta.Path), zap.Int("entries", delta.Size()))
		return
	}

	o.mu.Lock()
	obs := o.observer
	o.mu.Unlock()
	if obs == nil {
		return
	}
	o.deltas.Add(1)
	o.logger.Debug("delta",
		zap.String("path", delta.Path),
		zap.Int("added", len(delta.Added)),
		zap.Int("updated", len(delta.Updated)),
		zap.Int("removed", len(delta.Removed)))
	obs.OnChange(delta.Updated, delta.Added, delta.Removed)
}

// Stop closes the notification source, waits for in-flight refreshes and
// closes the lister. Safe to call more than once; returns the first
// call's error.
func (o *Orchestrator) Stop() error {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		running := o.accepting
		o.accepting = false
		o.started = true
		o.stopped = true
		if running {
			close(o.queue)
		}
		o.mu.Unlock()

		var errs []error
		if err := o.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notification source: %w", err))
		}
		o.cancel()
		if running {
			o.workers.Wait()
			close(o.results)
			<-o.applierDone
		}
		if err := o.lister.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lister: %w", err))
		}
		o.stopErr = errors.Join(errs...)
		o.logger.Info("orchestrator stopped", zap.Uint64("fetches", o.fetches.Load()))
	})
	return o.stopErr
}
