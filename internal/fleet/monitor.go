package fleet

import (
	"context"
	"errors"
	"time"

	"futuresfleet/internal/bot"
	"futuresfleet/internal/exchange"
	"futuresfleet/internal/metrics"
	"futuresfleet/internal/store"
	"futuresfleet/logger"
)

var errAlreadyRunning = errors.New("monitor already running")

// Run drives the monitor loop until ctx is cancelled or Shutdown is called.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.runCancel != nil {
		s.runMu.Unlock()
		return errAlreadyRunning
	}
	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		s.runMu.Unlock()
		return ErrShutdown
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runCancel, s.runDone = cancel, done
	s.runMu.Unlock()
	defer close(done)
	defer cancel()

	ticker := time.NewTicker(s.opts.MonitorInterval)
	defer ticker.Stop()

	s.log.WithFields(logger.Fields{
		"interval":          s.opts.MonitorInterval.String(),
		"balance_interval":  s.opts.BalanceInterval.String(),
		"position_interval": s.opts.PositionInterval.String(),
		"flush_interval":    s.opts.FlushInterval.String(),
	}).Info("monitor loop started")

	for {
		select {
		case <-ctx.Done():
			s.monitorWG.Wait()
			s.log.Info("monitor loop stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one monitor pass. Each tenant is checked in its own goroutine under a timeout and
// a tenant whose previous check is still in flight is skipped.
func (s *Supervisor) tick(ctx context.Context) {
	now := s.deps.Now()
	for _, t := range s.snapshot() {
		if !t.busy.CompareAndSwap(false, true) {
			continue
		}
		s.deps.Pool.Touch(t.cred)
		s.monitorWG.Add(1)
		go func(t *tenant) {
			defer s.monitorWG.Done()
			defer t.busy.Store(false)
			tctx, cancel := context.WithTimeout(ctx, s.opts.TenantTimeout)
			defer cancel()
			s.monitorTenant(tctx, t, now)
		}(t)
	}

	if evicted := s.deps.Pool.Sweep(); evicted > 0 {
		s.log.WithFields(logger.Fields{"evicted": evicted}).Info("idle clients evicted")
	}
	if p, ok := s.deps.Limiter.(windowPruner); ok {
		p.Prune()
	}
	s.admission.sweep(now)
	s.reportStreams()
	s.reportOccupancy()

	if now.Sub(s.lastFlush) >= s.opts.FlushInterval {
		s.lastFlush = now
		if _, err := s.batcher.Flush(ctx); err != nil {
			s.log.WithError(err).Warn("store flush incomplete")
		}
	}
}

// monitorTenant refreshes balance and positions on their own cadences and queues the user's
// store update.
func (s *Supervisor) monitorTenant(ctx context.Context, t *tenant, now time.Time) {
	gw := t.gateway()
	if gw == nil {
		return
	}
	st := t.bot.Status()
	fields := statusFields(st)
	log := s.log.WithUser(t.userID, t.cred.Fingerprint())

	t.mu.Lock()
	balanceDue := now.Sub(t.lastBalance) >= s.opts.BalanceInterval
	positionDue := now.Sub(t.lastPosition) >= s.opts.PositionInterval
	t.mu.Unlock()

	if balanceDue {
		if bal, err := gw.Balance(ctx, false); err != nil {
			log.WithError(err).Warn("monitor balance refresh failed")
		} else {
			fields["account_balance"] = bal
			t.mu.Lock()
			t.lastBalance = now
			t.mu.Unlock()
		}
	}

	if positionDue {
		if open, err := gw.OpenPositions(ctx, st.Symbol, false); err != nil {
			log.WithError(err).Warn("monitor position refresh failed")
		} else {
			side, upnl := exchange.Flat, 0.0
			if len(open) > 0 {
				side, upnl = open[0].Side(), open[0].UnrealizedPnL
			}
			fields["bot_position"] = positionField(side)
			fields["unrealized_pnl"] = upnl
			t.mu.Lock()
			t.lastPosition = now
			t.mu.Unlock()
		}
	}

	s.batcher.Queue(t.userID, fields)
}

func (s *Supervisor) reportStreams() {
	if s.deps.Streams == nil {
		return
	}
	for _, st := range s.deps.Streams() {
		metrics.Gauge("marketdata", metrics.StreamState, st.State.Numeric(), logger.Fields{"symbol": st.Symbol})
	}
}

// statusFields is the store projection of a bot snapshot.
func statusFields(st bot.Status) store.Record {
	return store.Record{
		"bot_active":       st.State == bot.StateActive,
		"bot_symbol":       st.Symbol,
		"bot_timeframe":    st.Timeframe,
		"bot_strategy":     st.Strategy,
		"bot_position":     positionField(st.Position),
		"total_trades":     st.TotalTrades,
		"total_pnl":        st.TotalPnL,
		"account_balance":  st.Balance,
		"current_price":    st.CurrentPrice,
		"last_signal":      string(st.LastSignal),
		"unrealized_pnl":   st.UnrealizedPnL,
		"user_stop_loss":   st.StopLossPct,
		"user_take_profit": st.TakeProfitPct,
		"status_message":   st.Message,
	}
}

// positionField stores a flat position as null.
func positionField(side exchange.PositionSide) any {
	if side == exchange.Flat || side == "" {
		return nil
	}
	return string(side)
}
