package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/invoice/ledger"
	"github.com/Adi-21/metrikprotocol/observability/metrics"
)

// SnapshotStore persists cache contents across restarts. Implementations are
// optional; a nil store keeps the engine purely in-memory.
type SnapshotStore interface {
	SaveInvoices(ctx context.Context, entities []invoice.Invoice) error
	LoadInvoices(ctx context.Context) ([]invoice.Invoice, error)
}

// Config assembles an engine. Client is required; everything else falls back
// to package defaults.
type Config struct {
	Client          ledger.Client
	LookbackBlocks  uint64
	FixedFloor      uint64
	ProbeMargin     uint64
	ReadConcurrency int
	FinalityTimeout time.Duration
	Snapshots       SnapshotStore
	Logger          *slog.Logger
}

// Engine owns the reconciliation cache and wires the discovery and mutation
// paths around it. It is the single object surrounding application code
// consumes; consumers share one consistent view instead of each holding
// private state.
type Engine struct {
	client    ledger.Client
	cache     *Cache
	scanner   *Scanner
	enum      *Enumerator
	resolver  *Resolver
	coord     *Coordinator
	snapshots SnapshotStore
	log       *slog.Logger
}

// New builds an engine from the configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("ledger client required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.Sync()
	cache := NewCache(m)
	resolver := NewResolver(cfg.Client, cache, cfg.ReadConcurrency, logger, m)
	return &Engine{
		client:    cfg.Client,
		cache:     cache,
		scanner:   NewScanner(cfg.Client, cfg.LookbackBlocks, logger, m),
		enum:      NewEnumerator(cfg.Client, cfg.FixedFloor, cfg.ProbeMargin, cfg.ReadConcurrency, logger, m),
		resolver:  resolver,
		coord:     NewCoordinator(cfg.Client, cache, resolver, cfg.FinalityTimeout, logger, m),
		snapshots: cfg.Snapshots,
		log:       logger.With("component", "engine"),
	}, nil
}

// Restore loads the persisted snapshot, if any, into the cache. Invoked once
// at startup before the first sync.
func (e *Engine) Restore(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	entities, err := e.snapshots.LoadInvoices(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if len(entities) == 0 {
		return nil
	}
	if err := e.cache.Merge(entities...); err != nil {
		return err
	}
	e.log.Info("cache restored from snapshot", "entities", len(entities))
	return nil
}

// Sync refreshes the cache for one owner (or globally when owner is nil).
// The event window scan runs first; when it is degraded or finds nothing the
// bounded enumeration backstop guarantees discovery. Inconsistent
// observations surface in the returned error but do not abort the sync.
func (e *Engine) Sync(ctx context.Context, owner *common.Address) error {
	var issues []error

	scan, err := e.scanner.Scan(ctx, owner)
	if err != nil {
		return err
	}
	if len(scan.Invoices) > 0 {
		if err := e.cache.Merge(scan.Invoices...); err != nil {
			issues = append(issues, err)
		}
	}

	if scan.Degraded || len(scan.Invoices) == 0 {
		found, err := e.enum.Enumerate(ctx, owner)
		if len(found) > 0 {
			if mergeErr := e.cache.Merge(found...); mergeErr != nil {
				issues = append(issues, mergeErr)
			}
		}
		if err != nil {
			return errors.Join(append(issues, err)...)
		}
	}

	e.persist(ctx)
	return errors.Join(issues...)
}

// Get returns the cached entity for a token id. Absence is a valid state,
// distinct from any error: it simply means the id has not been discovered.
func (e *Engine) Get(tokenID uint64) (invoice.Invoice, bool) {
	return e.cache.Get(tokenID)
}

// Invoices lists the cached entities for an owner and role.
func (e *Engine) Invoices(owner common.Address, role invoice.Role) []invoice.Invoice {
	return e.cache.AllByOwner(owner, role)
}

// All lists every cached entity.
func (e *Engine) All() []invoice.Invoice {
	return e.cache.All()
}

// Mint creates a new invoice token and returns its confirmed state.
func (e *Engine) Mint(ctx context.Context, params invoice.MintParams) (invoice.Invoice, error) {
	entity, err := e.coord.Mint(ctx, params)
	if err != nil {
		return invoice.Invoice{}, err
	}
	e.persist(ctx)
	return entity, nil
}

// Verify marks a token verified and returns its confirmed state.
func (e *Engine) Verify(ctx context.Context, tokenID uint64) (invoice.Invoice, error) {
	entity, err := e.coord.Verify(ctx, tokenID)
	if err != nil {
		return invoice.Invoice{}, err
	}
	e.persist(ctx)
	return entity, nil
}

// Approve grants transfer rights on a token to a spender.
func (e *Engine) Approve(ctx context.Context, tokenID uint64, spender common.Address) (ledger.Receipt, error) {
	receipt, err := e.coord.Approve(ctx, tokenID, spender)
	if err != nil {
		return ledger.Receipt{}, err
	}
	e.persist(ctx)
	return receipt, nil
}

// Stats aggregates cached entities for an owner and role.
func (e *Engine) Stats(owner common.Address, role invoice.Role) Statistics {
	return ComputeStats(e.cache, owner, role)
}

// Search looks up an entity by business invoice id.
func (e *Engine) Search(businessID string) (invoice.Invoice, error) {
	return e.resolver.SearchByID(businessID)
}

// History resolves the full lifecycle set for an owner, burned tokens
// included.
func (e *Engine) History(ctx context.Context, owner common.Address) ([]invoice.Invoice, error) {
	entities, err := e.resolver.ResolveAllForOwner(ctx, owner)
	if err != nil {
		return entities, err
	}
	e.persist(ctx)
	return entities, nil
}

// HistoryPage fetches one page of an owner's lifecycle records.
func (e *Engine) HistoryPage(ctx context.Context, owner common.Address, offset, limit uint64) ([]invoice.Invoice, error) {
	page, err := e.resolver.Page(ctx, owner, offset, limit)
	if err != nil {
		return nil, err
	}
	e.persist(ctx)
	return page, nil
}

// Resolve fetches the authoritative lifecycle record for one token.
func (e *Engine) Resolve(ctx context.Context, tokenID uint64) (invoice.Invoice, error) {
	entity, err := e.resolver.ResolveOne(ctx, tokenID)
	if err != nil {
		return invoice.Invoice{}, err
	}
	e.persist(ctx)
	return entity, nil
}

// persist writes the cache through to the snapshot store. Best effort: a
// failed snapshot write degrades durability, not correctness.
func (e *Engine) persist(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.SaveInvoices(ctx, e.cache.All()); err != nil {
		e.log.Warn("snapshot write failed", "err", err)
	}
}
