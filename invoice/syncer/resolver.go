package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/invoice/ledger"
	"github.com/Adi-21/metrikprotocol/observability/metrics"
)

// Resolver fetches full lifecycle records, including burned tokens, and
// reconciles them into the cache. It is the only discovery path guaranteed to
// surface burned entities: the live scanners have no obligation to retain
// burned ids.
type Resolver struct {
	client      ledger.Client
	cache       *Cache
	concurrency int
	log         *slog.Logger
	metrics     *metrics.SyncMetrics
}

// NewResolver builds a resolver sharing the engine's cache.
func NewResolver(client ledger.Client, cache *Cache, concurrency int, logger *slog.Logger, m *metrics.SyncMetrics) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultReadConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client:      client,
		cache:       cache,
		concurrency: concurrency,
		log:         logger.With("component", "resolver"),
		metrics:     m,
	}
}

// ResolveOne fetches the historical record for a token and merges it.
func (r *Resolver) ResolveOne(ctx context.Context, tokenID uint64) (invoice.Invoice, error) {
	entity, err := r.client.HistoricalEntity(ctx, tokenID)
	if err != nil {
		return invoice.Invoice{}, fmt.Errorf("resolve token %d: %w", tokenID, err)
	}
	if err := r.cache.Merge(entity); err != nil {
		return invoice.Invoice{}, err
	}
	merged, _ := r.cache.Get(tokenID)
	return merged, nil
}

// ResolveAllForOwner fetches the lifecycle record of every token the owner
// has ever held, through a bounded worker pool. Individual read failures are
// skipped and logged; the remainder still resolve.
func (r *Resolver) ResolveAllForOwner(ctx context.Context, owner common.Address) ([]invoice.Invoice, error) {
	ids, err := r.client.OwnerTokenIDs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list owner tokens: %w", err)
	}

	var (
		mu       sync.Mutex
		resolved []invoice.Invoice
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for _, id := range ids {
		id := id
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			entity, err := r.ResolveOne(groupCtx, id)
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				if errors.Is(err, ErrInconsistent) {
					return err
				}
				r.log.Warn("skipping unresolvable token", "token_id", id, "err", err)
				r.metrics.ObserveReadSkip("resolve")
				return nil
			}
			mu.Lock()
			resolved = append(resolved, entity)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return resolved, err
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].TokenID < resolved[j].TokenID })
	return resolved, nil
}

// SearchByID looks up an entity by its business invoice id. The contract has
// no search view, so this scans the cache; callers wanting fresh results sync
// first. Business ids are not guaranteed unique; the lowest token id wins.
func (r *Resolver) SearchByID(businessID string) (invoice.Invoice, error) {
	entity, ok := r.cache.FindByInvoiceID(businessID)
	if !ok {
		return invoice.Invoice{}, fmt.Errorf("invoice %q: %w", businessID, ledger.ErrNotFound)
	}
	return entity, nil
}

// Page fetches one page of the owner's history and merges it into the cache.
// Zero-based offset; limit caps the returned count. Page membership is not
// stable under concurrent mutation, which callers must tolerate.
func (r *Resolver) Page(ctx context.Context, owner common.Address, offset, limit uint64) ([]invoice.Invoice, error) {
	page, err := r.client.OwnerHistoryPage(ctx, owner, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("history page: %w", err)
	}
	if err := r.cache.Merge(page...); err != nil {
		return nil, err
	}
	return page, nil
}
