// Package scheduler runs two per-tenant sync loops — a frequent light
// pass and an infrequent full pass with optional drift detection —
// against the engine, so discovery happens on a timer rather than on
// demand. Both passes run the same engine.Sync over every account and
// resource type of the tenant; they differ only in interval and in
// whether drift detection follows.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusgraph/graphcore/internal/engine"
	"github.com/nimbusgraph/graphcore/internal/logging"
	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/query"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

// Kind names which of the two loops produced a sync.
type Kind string

const (
	KindLight Kind = "light"
	KindFull  Kind = "full"
)

// Config tunes the scheduler's two tick intervals.
type Config struct {
	LightInterval         time.Duration
	FullInterval          time.Duration
	DriftDetectionEnabled bool
}

// DefaultConfig matches spec.md's stated defaults: a light sync every
// fifteen minutes, a full sync with drift detection every six hours.
func DefaultConfig() Config {
	return Config{LightInterval: 15 * time.Minute, FullInterval: 6 * time.Hour, DriftDetectionEnabled: true}
}

// Scheduler owns the two tick loops and the per-tenant concurrency
// guard that keeps a slow sync from overlapping with its own next
// tick.
type Scheduler struct {
	config   Config
	engine   *engine.Engine
	queries  *query.Engine
	accounts *tenancy.AccountRegistry
	metrics  *Metrics
	logger   *logging.Logger

	mu     sync.Mutex
	active map[string]bool

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(config Config, eng *engine.Engine, queries *query.Engine, accounts *tenancy.AccountRegistry, metrics *Metrics) *Scheduler {
	return &Scheduler{
		config:   config,
		engine:   eng,
		queries:  queries,
		accounts: accounts,
		metrics:  metrics,
		active:   make(map[string]bool),
		logger:   logging.GetLogger("scheduler"),
	}
}

// Start launches both tick loops. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting: light=%v full=%v drift=%v", s.config.LightInterval, s.config.FullInterval, s.config.DriftDetectionEnabled)

	s.wg.Add(2)
	go s.runLoop(ctx, KindLight, s.config.LightInterval)
	go s.runLoop(ctx, KindFull, s.config.FullInterval)
}

// Stop signals both loops to exit and waits for in-flight syncs to
// drain, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out waiting for in-flight syncs")
		return ctx.Err()
	}
}

func (s *Scheduler) runLoop(ctx context.Context, kind Kind, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx, kind)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx, kind)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick dispatches one sync per known tenant, skipping any tenant
// whose previous sync of this kind hasn't finished yet rather than
// queuing behind it.
func (s *Scheduler) tick(ctx context.Context, kind Kind) {
	for _, tenantID := range s.tenantIDs() {
		guardKey := tenantID + ":" + string(kind)

		s.mu.Lock()
		if s.active[guardKey] {
			s.mu.Unlock()
			s.logger.Warn("skipping %s sync for tenant=%s: previous cycle still running", kind, tenantID)
			continue
		}
		s.active[guardKey] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(tenantID string) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.active, guardKey)
				s.mu.Unlock()
			}()
			s.syncTenant(ctx, tenantID, kind)
		}(tenantID)
	}
}

func (s *Scheduler) tenantIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, a := range s.accounts.List("", "") {
		if !seen[a.TenantID] {
			seen[a.TenantID] = true
			ids = append(ids, a.TenantID)
		}
	}
	return ids
}

func (s *Scheduler) syncTenant(ctx context.Context, tenantID string, kind Kind) {
	start := time.Now()
	status := "success"

	results, err := s.engine.Sync(ctx, engine.Scope{TenantID: tenantID})
	if err != nil {
		status = "error"
		s.logger.Error("sync failed tenant=%s kind=%s: %v", tenantID, kind, err)
	}

	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.SyncDuration.WithLabelValues(tenantID, string(kind)).Observe(duration.Seconds())
		s.metrics.SyncTotal.WithLabelValues(tenantID, string(kind), status).Inc()
	}

	var totalErrors int
	for _, r := range results {
		totalErrors += len(r.Errors)
	}
	s.logger.Info("sync complete tenant=%s kind=%s accounts=%d errors=%d duration=%v", tenantID, kind, len(results), totalErrors, duration)

	if s.queries != nil {
		s.queries.InvalidateCache()
	}

	if stats, err := s.engine.GetStats(ctx, tenantID); err == nil && s.metrics != nil {
		s.metrics.NodesTotal.WithLabelValues(tenantID).Set(float64(stats.TotalNodes))
	}

	if kind == KindFull && s.config.DriftDetectionEnabled {
		s.detectDrift(ctx, tenantID)
	}
}

func (s *Scheduler) detectDrift(ctx context.Context, tenantID string) {
	report, err := s.engine.DetectDrift(ctx, tenantID, model.Provider(""))
	if err != nil {
		s.logger.Error("drift detection failed tenant=%s: %v", tenantID, err)
		return
	}
	if len(report.DriftedNodes) == 0 && len(report.NewNodes) == 0 && len(report.DisappearedNodes) == 0 {
		return
	}
	s.logger.Info("drift detected tenant=%s drifted=%d new=%d disappeared=%d",
		tenantID, len(report.DriftedNodes), len(report.NewNodes), len(report.DisappearedNodes))
}
