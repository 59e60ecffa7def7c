package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Adi-21/metrikprotocol/invoice/syncer"
)

// warmer periodically refreshes the engine so remote verifications and burns
// surface without a local mutation or an explicit /sync call.
type warmer struct {
	engine   *syncer.Engine
	interval time.Duration
	owners   []common.Address
	log      *slog.Logger
}

func newWarmer(engine *syncer.Engine, interval time.Duration, owners []common.Address, logger *slog.Logger) *warmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &warmer{
		engine:   engine,
		interval: interval,
		owners:   owners,
		log:      logger.With("component", "warmer"),
	}
}

// run blocks until the context is cancelled. Each tick performs a global sync
// plus a history resolve per configured owner; individual failures are logged
// and the loop keeps going.
func (w *warmer) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *warmer) tick(ctx context.Context) {
	if err := w.engine.Sync(ctx, nil); err != nil {
		w.log.Warn("background sync failed", "err", err)
	}
	for _, owner := range w.owners {
		if _, err := w.engine.History(ctx, owner); err != nil {
			w.log.Warn("owner history refresh failed", "owner", owner.Hex(), "err", err)
		}
	}
}
