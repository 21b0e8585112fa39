// Package engine drives discovery, reconciles discovered resources
// against per-tenant storage, and exposes the compound graph queries
// built on top of that reconciled state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nimbusgraph/graphcore/internal/discovery"
	"github.com/nimbusgraph/graphcore/internal/logging"
	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

// ErrLimitExceeded classifies a sync aborted by tenancy.Manager.CheckLimits
// so callers (the scheduler, the API layer) can distinguish a capacity
// breach from an adapter or storage failure.
var ErrLimitExceeded = errors.New("engine: tenant limit exceeded")

// Config tunes one Engine's sync behavior.
type Config struct {
	MaxConcurrency    int
	GraceSyncs        int
	InferenceEnabled  bool
	InferenceMinConf  float64
}

// DefaultConfig matches spec.md's stated defaults: four concurrent
// adapter calls, one missed sync of grace before a node is marked
// deleted, inference on at confidence <= 0.9.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 4, GraceSyncs: 1, InferenceEnabled: true, InferenceMinConf: 0.9}
}

// Engine is the graph engine: it owns no state of its own beyond
// wiring — every read and write goes through a tenant's storage.Store.
type Engine struct {
	config   Config
	registry *discovery.Registry
	accounts *tenancy.AccountRegistry
	tenants  *tenancy.Manager
	rules    []InferenceRule
	logger   *logging.Logger
}

func New(config Config, registry *discovery.Registry, accounts *tenancy.AccountRegistry, tenants *tenancy.Manager) *Engine {
	return &Engine{
		config:   config,
		registry: registry,
		accounts: accounts,
		tenants:  tenants,
		rules:    DefaultInferenceRules(),
		logger:   logging.GetLogger("engine"),
	}
}

// Scope narrows Sync to a subset of registered accounts. Empty fields
// are unconstrained.
type Scope struct {
	TenantID  string
	AccountID string
	Provider  model.Provider
}

// SyncResult reports one (tenant, account) sync's outcome.
type SyncResult struct {
	SyncID          string
	TenantID        string
	AccountID       string
	Provider        model.Provider
	NodesDiscovered int
	NodesCreated    int
	NodesUpdated    int
	EdgesDiscovered int
	EdgesCreated    int
	DurationMs      int64
	Errors          []string
}

// Sync resolves scope to (tenant, account, adapter) triples, runs
// discovery concurrently bounded by config.MaxConcurrency, and
// reconciles each triple's result into its tenant's storage through a
// single per-tenant writer so concurrent discovery never produces
// concurrent writes against one tenant's Store.
func (e *Engine) Sync(ctx context.Context, scope Scope) ([]SyncResult, error) {
	accounts := e.accounts.List(scope.TenantID, scope.Provider)
	if scope.AccountID != "" {
		filtered := accounts[:0]
		for _, a := range accounts {
			if a.ID == scope.AccountID {
				filtered = append(filtered, a)
			}
		}
		accounts = filtered
	}

	writers := newWriterPool(ctx, e)
	defer writers.closeAll()

	results := make([]SyncResult, len(accounts))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(e.config.MaxConcurrency, 1))

	for i, account := range accounts {
		if !account.Enabled {
			continue
		}
		i, account := i, account
		group.Go(func() error {
			result := e.syncOne(gctx, writers, account)
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return results, err
	}

	if e.config.InferenceEnabled {
		e.runInference(ctx, scope)
	}

	return results, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) syncOne(ctx context.Context, writers *writerPool, account *tenancy.CloudAccount) SyncResult {
	start := time.Now()
	syncID := fmt.Sprintf("%s-%d", uuid.NewString(), start.UnixNano())
	result := SyncResult{SyncID: syncID, TenantID: account.TenantID, AccountID: account.ID, Provider: account.Provider}

	adapter, ok := e.registry.Get(account.Provider)
	if !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("no adapter registered for provider %s", account.Provider))
		return result
	}

	discovered, err := adapter.Discover(ctx, account)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	for _, de := range discovered.Errors {
		result.Errors = append(result.Errors, de.Error())
	}
	result.NodesDiscovered = len(discovered.Nodes)
	result.EdgesDiscovered = len(discovered.Edges)

	if store, err := e.tenants.GetStorage(ctx, account.TenantID); err == nil {
		stats, err := store.GetStats(ctx)
		if err == nil {
			accountCount := len(e.accounts.List(account.TenantID, ""))
			if err := e.tenants.CheckLimits(accountCount, stats.TotalNodes+result.NodesDiscovered); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("%w: %v", ErrLimitExceeded, err).Error())
				result.DurationMs = time.Since(start).Milliseconds()
				return result
			}
		}
	}

	job := reconcileJob{
		syncID:  syncID,
		account: account,
		result:  discovered,
		done:    make(chan reconcileOutcome, 1),
	}
	writers.submit(account.TenantID, job)
	outcome := <-job.done

	result.NodesCreated = outcome.nodesCreated
	result.NodesUpdated = outcome.nodesUpdated
	result.EdgesCreated = outcome.edgesCreated
	result.Errors = append(result.Errors, outcome.errors...)
	result.DurationMs = time.Since(start).Milliseconds()

	e.logger.Info("sync complete tenant=%s account=%s provider=%s created=%d updated=%d",
		account.TenantID, account.ID, account.Provider, outcome.nodesCreated, outcome.nodesUpdated)

	return result
}

// writerPool serializes all storage writes for one tenant through a
// single goroutine reading from that tenant's channel, per the
// concurrent-discovery-serialized-write pattern.
type writerPool struct {
	engine *Engine
	ctx    context.Context

	mu      sync.Mutex
	workers map[string]chan reconcileJob
	wg      sync.WaitGroup
}

func newWriterPool(ctx context.Context, e *Engine) *writerPool {
	return &writerPool{engine: e, ctx: ctx, workers: make(map[string]chan reconcileJob)}
}

func (p *writerPool) submit(tenantID string, job reconcileJob) {
	p.mu.Lock()
	ch, ok := p.workers[tenantID]
	if !ok {
		ch = make(chan reconcileJob, 8)
		p.workers[tenantID] = ch
		p.wg.Add(1)
		go p.run(tenantID, ch)
	}
	p.mu.Unlock()
	ch <- job
}

func (p *writerPool) run(tenantID string, jobs chan reconcileJob) {
	defer p.wg.Done()
	for job := range jobs {
		store, err := p.engine.tenants.GetStorage(p.ctx, tenantID)
		if err != nil {
			job.done <- reconcileOutcome{errors: []string{err.Error()}}
			continue
		}
		job.done <- p.engine.reconcile(p.ctx, store, job)
	}
}

func (p *writerPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.workers {
		close(ch)
	}
	p.wg.Wait()
}

type reconcileJob struct {
	syncID  string
	account *tenancy.CloudAccount
	result  discovery.DiscoverResult
	done    chan reconcileOutcome
}

type reconcileOutcome struct {
	nodesCreated int
	nodesUpdated int
	edgesCreated int
	errors       []string
}
