package syncer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/invoice/ledger"
	"github.com/Adi-21/metrikprotocol/observability/metrics"
)

// DefaultLookbackBlocks bounds the event query window. Providers commonly cap
// log-query ranges; larger windows risk outright rejection.
const DefaultLookbackBlocks = 1000

// ScanResult carries the entities discovered by one bounded window scan. The
// result is never exhaustive: mints older than the window are invisible here
// and belong to the enumerator or resolver. Degraded means the range query
// itself was rejected and callers should fall back to enumeration.
type ScanResult struct {
	Invoices  []invoice.Invoice
	Degraded  bool
	FromBlock uint64
	ToBlock   uint64
}

// Scanner discovers newly minted entities from mint events over a recent
// block window.
type Scanner struct {
	client   ledger.Client
	lookback uint64
	log      *slog.Logger
	metrics  *metrics.SyncMetrics
}

// NewScanner builds a scanner with the given window size; zero selects
// DefaultLookbackBlocks.
func NewScanner(client ledger.Client, lookback uint64, logger *slog.Logger, m *metrics.SyncMetrics) *Scanner {
	if lookback == 0 {
		lookback = DefaultLookbackBlocks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{client: client, lookback: lookback, log: logger.With("component", "scanner"), metrics: m}
}

// Scan queries mint events over [head-lookback, head], optionally filtered to
// one supplier, and materialises each discovered id with a point read. A
// failed range query degrades to an empty result rather than erroring; a
// failed point read skips that id only. The only hard error is context
// cancellation.
func (s *Scanner) Scan(ctx context.Context, supplier *common.Address) (ScanResult, error) {
	head, err := s.client.LatestBlock(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ScanResult{}, ctx.Err()
		}
		s.log.Warn("head lookup failed, scan degraded", "err", err)
		s.metrics.ObserveScan("degraded")
		return ScanResult{Degraded: true}, nil
	}
	from := uint64(0)
	if head > s.lookback {
		from = head - s.lookback
	}
	result := ScanResult{FromBlock: from, ToBlock: head}

	events, err := s.client.MintEventsInRange(ctx, from, head, supplier)
	if err != nil {
		if ctx.Err() != nil {
			return ScanResult{}, ctx.Err()
		}
		if !errors.Is(err, ledger.ErrUnsupported) {
			s.log.Warn("range query failed, scan degraded", "from", from, "to", head, "err", err)
		}
		s.metrics.ObserveScan("degraded")
		result.Degraded = true
		return result, nil
	}

	for _, event := range events {
		entity, err := s.client.Entity(ctx, event.TokenID)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			// One bad id must not abort the batch.
			s.log.Warn("skipping unreadable entity", "token_id", event.TokenID, "err", err)
			s.metrics.ObserveReadSkip("scan")
			continue
		}
		result.Invoices = append(result.Invoices, entity)
	}
	s.metrics.ObserveScan("ok")
	return result, nil
}
