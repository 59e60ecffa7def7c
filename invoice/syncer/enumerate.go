package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/invoice/ledger"
	"github.com/Adi-21/metrikprotocol/observability/metrics"
)

const (
	// DefaultFixedFloor is the probe ceiling used when the ledger cannot
	// report a total count. It exists so enumeration makes forward
	// progress even against a provider with no counting view.
	DefaultFixedFloor = 64

	// DefaultProbeMargin extends the probe ceiling past the reported count
	// to cover mints landing between the count read and the probes.
	DefaultProbeMargin = 8

	// DefaultReadConcurrency caps in-flight point reads so bulk probing
	// stays within provider rate limits.
	DefaultReadConcurrency = 8
)

// Enumerator probes a bounded id space directly. It is the liveness backstop
// for when event indexing is degraded or the window misses historical
// entries: O(maxProbe) point reads, acceptable only because maxProbe is small
// and bounded.
type Enumerator struct {
	client      ledger.Client
	fixedFloor  uint64
	margin      uint64
	concurrency int
	log         *slog.Logger
	metrics     *metrics.SyncMetrics
}

// NewEnumerator builds an enumerator; zero values select the package
// defaults.
func NewEnumerator(client ledger.Client, fixedFloor, margin uint64, concurrency int, logger *slog.Logger, m *metrics.SyncMetrics) *Enumerator {
	if fixedFloor == 0 {
		fixedFloor = DefaultFixedFloor
	}
	if margin == 0 {
		margin = DefaultProbeMargin
	}
	if concurrency <= 0 {
		concurrency = DefaultReadConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{
		client:      client,
		fixedFloor:  fixedFloor,
		margin:      margin,
		concurrency: concurrency,
		log:         logger.With("component", "enumerator"),
		metrics:     m,
	}
}

// maxProbe computes the probe ceiling: reported count plus margin, never
// below the fixed floor. An unavailable count falls back to the floor alone.
func (e *Enumerator) maxProbe(ctx context.Context) uint64 {
	count, err := e.client.TotalCount(ctx)
	if err != nil {
		if !errors.Is(err, ledger.ErrUnsupported) {
			e.log.Warn("total count unavailable", "err", err)
		}
		return e.fixedFloor
	}
	ceiling := count + e.margin
	if ceiling < e.fixedFloor {
		ceiling = e.fixedFloor
	}
	return ceiling
}

// Enumerate issues a point read for every id in [1, maxProbe] through a
// bounded worker pool. Missing ids and transient read failures are expected
// and skipped; discovered entities are optionally filtered to those involving
// the owner in either role. Cancellation stops outstanding probes; entities
// gathered before the cancellation are returned alongside the context error.
func (e *Enumerator) Enumerate(ctx context.Context, owner *common.Address) ([]invoice.Invoice, error) {
	ceiling := e.maxProbe(ctx)

	var (
		mu    sync.Mutex
		found []invoice.Invoice
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for id := uint64(1); id <= ceiling; id++ {
		id := id
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			entity, err := e.client.Entity(groupCtx, id)
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				if !errors.Is(err, ledger.ErrNotFound) {
					e.log.Debug("probe failed", "token_id", id, "err", err)
					e.metrics.ObserveReadSkip("enumerate")
				}
				e.metrics.ObserveProbe(false)
				return nil
			}
			e.metrics.ObserveProbe(true)
			if owner != nil && entity.Supplier != *owner && entity.Buyer != *owner {
				return nil
			}
			mu.Lock()
			found = append(found, entity)
			mu.Unlock()
			return nil
		})
	}
	err := group.Wait()
	sort.Slice(found, func(i, j int) bool { return found[i].TokenID < found[j].TokenID })
	return found, err
}
