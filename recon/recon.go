// Package recon periodically reconciles the ledger against the broker's
// reported positions. The broker is authoritative: reconciliation only
// repairs the ledger's view and never places orders.
package recon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/signalbridge/audit"
	"github.com/rustyeddy/signalbridge/broker"
	"github.com/rustyeddy/signalbridge/ledger"
	"github.com/rustyeddy/signalbridge/metrics"
)

// ErrSnapshotUnavailable marks a run aborted because the broker
// position snapshot could not be fetched. No ledger writes happen in
// that case; the next scheduled run retries naturally.
var ErrSnapshotUnavailable = errors.New("broker snapshot unavailable")

// Runner owns the periodic reconciliation loop.
type Runner struct {
	gw       broker.Gateway
	store    *ledger.Store
	audit    *audit.Log
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	// Held for the duration of a run; a tick that fires while a run is
	// still in progress is skipped, not queued.
	running sync.Mutex
}

// New creates a reconciliation runner. timeout bounds the broker fetch;
// zero means no bound beyond the caller's context.
func New(gw broker.Gateway, store *ledger.Store, auditLog *audit.Log, interval, timeout time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		gw:       gw,
		store:    store,
		audit:    auditLog,
		interval: interval,
		timeout:  timeout,
		log:      logger.With().Str("component", "recon").Logger(),
	}
}

// Start runs the reconciliation loop until ctx is cancelled. It blocks;
// run it in its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconciliation run failed")
			}
		}
	}
}

// RunOnce performs a single reconciliation pass. If a pass is already
// in progress it is skipped and RunOnce returns nil.
func (r *Runner) RunOnce(ctx context.Context) error {
	if !r.running.TryLock() {
		r.log.Warn().Msg("reconciliation still running, skipping tick")
		metrics.ReconRunsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer r.running.Unlock()

	err := r.run(ctx)
	if err != nil {
		metrics.ReconRunsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ReconRunsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *Runner) run(ctx context.Context) error {
	fctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// A failed fetch means "unknown", never "all closed": abort with
	// zero writes and let the next tick retry.
	remote, err := r.gw.GetPositions(fctx)
	if err != nil {
		r.audit.Append(audit.Entry{
			Kind:   audit.KindReconError,
			Detail: fmt.Sprintf("position snapshot fetch failed: %v", err),
		})
		return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	want := make(map[string]decimal.Decimal, len(remote))
	for _, p := range remote {
		want[p.Symbol] = p.Quantity
	}

	symbols := make([]string, 0, len(want))
	for s := range want {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var repairs int
	for _, symbol := range symbols {
		n, err := r.reconcileSymbol(symbol, want[symbol])
		if err != nil {
			return err
		}
		repairs += n
	}

	// Anything open locally that the broker no longer reports was
	// closed externally.
	locals, err := r.store.ListOpenPositions()
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	for _, p := range locals {
		if _, held := want[p.Symbol]; held {
			continue
		}
		if err := r.closeExternal(p.Symbol); err != nil {
			return err
		}
		repairs++
	}

	metrics.OpenPositions.Set(float64(len(want)))
	r.log.Info().Int("broker_positions", len(want)).Int("repairs", repairs).Msg("reconciliation complete")
	return nil
}

// reconcileSymbol makes the local position for symbol match the broker
// quantity, returning the number of repairs applied (0 or 1).
func (r *Runner) reconcileSymbol(symbol string, qty decimal.Decimal) (int, error) {
	unlock := r.store.LockSymbol(symbol)
	defer unlock()

	local, open, err := r.store.GetOpenPosition(symbol)
	if err != nil {
		return 0, fmt.Errorf("get open position %s: %w", symbol, err)
	}

	switch {
	case !open:
		err := r.store.OpenPosition(ledger.Position{
			Symbol:        symbol,
			Quantity:      qty,
			NotionalBasis: decimal.Zero,
			OpenedAt:      time.Now().UTC(),
		})
		if err != nil {
			return 0, err
		}
		r.audit.Append(audit.Entry{
			Kind:   audit.KindReconSync,
			Symbol: symbol,
			Detail: fmt.Sprintf("synced: broker holds %s, opened locally", qty),
		})
		metrics.ReconRepairsTotal.WithLabelValues("sync").Inc()
		return 1, nil

	case !local.Quantity.Equal(qty):
		if err := r.store.SetQuantity(symbol, qty); err != nil {
			return 0, err
		}
		drift := qty.Sub(local.Quantity)
		r.audit.Append(audit.Entry{
			Kind:   audit.KindReconDrift,
			Symbol: symbol,
			Detail: fmt.Sprintf("drift %s: local %s overwritten to broker %s", drift, local.Quantity, qty),
		})
		metrics.ReconRepairsTotal.WithLabelValues("drift").Inc()
		r.log.Warn().Str("symbol", symbol).Str("drift", drift.String()).Msg("position drift repaired")
		return 1, nil
	}

	return 0, nil
}

func (r *Runner) closeExternal(symbol string) error {
	unlock := r.store.LockSymbol(symbol)
	defer unlock()

	// Re-check under the lock: a live order confirmation may have
	// closed it since the list was taken.
	_, open, err := r.store.GetOpenPosition(symbol)
	if err != nil {
		return fmt.Errorf("get open position %s: %w", symbol, err)
	}
	if !open {
		return nil
	}

	if err := r.store.ClosePosition(symbol, time.Now().UTC(), "external close"); err != nil {
		return err
	}
	r.audit.Append(audit.Entry{
		Kind:   audit.KindReconClose,
		Symbol: symbol,
		Detail: "closed locally: broker no longer reports a position",
	})
	metrics.ReconRepairsTotal.WithLabelValues("close").Inc()
	return nil
}
