// Package ratelimit paces exchange REST calls per credential and endpoint class. Callers are
// delayed, never rejected: the only error Wait returns is context cancellation.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futuresfleet/logger"
)

// Class groups endpoints that share a budget.
type Class string

const (
	ClassDefault  Class = "default"
	ClassOrder    Class = "order"
	ClassAccount  Class = "account"
	ClassPosition Class = "position"
)

const (
	minuteWindow  = 60 * time.Second
	secondWindow  = time.Second
	secondBackoff = 1100 * time.Millisecond
)

// Budget is the allowance of one class: summed weight per trailing minute, request count per
// trailing second and the weight charged per request.
type Budget struct {
	PerMinute int
	PerSecond int
	Weight    int
}

// DefaultBudgets are the Binance futures allowances the fleet is tuned for.
func DefaultBudgets() map[Class]Budget {
	return map[Class]Budget{
		ClassDefault:  {PerMinute: 1200, PerSecond: 10, Weight: 1},
		ClassOrder:    {PerMinute: 50, PerSecond: 5, Weight: 5},
		ClassAccount:  {PerMinute: 600, PerSecond: 5, Weight: 5},
		ClassPosition: {PerMinute: 300, PerSecond: 3, Weight: 2},
	}
}

type entry struct {
	at     time.Time
	weight int
}

type window struct {
	mu      sync.Mutex
	entries []entry
	dropped bool
}

func (w *window) evict(now time.Time) {
	cutoff := now.Add(-minuteWindow)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *window) weight() int {
	total := 0
	for _, e := range w.entries {
		total += e.weight
	}
	return total
}

func (w *window) lastSecond(now time.Time) int {
	cutoff := now.Add(-secondWindow)
	n := 0
	for i := len(w.entries) - 1; i >= 0 && w.entries[i].at.After(cutoff); i-- {
		n++
	}
	return n
}

// delay returns how long the caller must wait before a request of the budget's weight fits.
func (w *window) delay(now time.Time, b Budget) time.Duration {
	if len(w.entries) > 0 && w.weight()+b.Weight > b.PerMinute {
		if d := w.entries[0].at.Add(minuteWindow).Sub(now); d > 0 {
			return d
		}
		return time.Millisecond
	}
	if w.lastSecond(now) >= b.PerSecond {
		return secondBackoff
	}
	return 0
}

type windowKey struct {
	fingerprint string
	class       Class
}

// Limiter tracks one sliding window per (fingerprint, class).
type Limiter struct {
	budgets map[Class]Budget
	log     *logger.Log

	mu      sync.Mutex
	windows map[windowKey]*window

	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	onDelay func(Class, time.Duration)
}

type Option func(*Limiter)

// WithClock swaps the time source and sleeper, mainly for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// WithDelayObserver is called every time a caller is held back.
func WithDelayObserver(fn func(Class, time.Duration)) Option {
	return func(l *Limiter) { l.onDelay = fn }
}

// WithBudgets overrides the allowance of individual classes.
func WithBudgets(budgets map[Class]Budget) Option {
	return func(l *Limiter) {
		for class, b := range budgets {
			l.budgets[class] = b
		}
	}
}

func New(log *logger.Log, opts ...Option) (*Limiter, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	l := &Limiter{
		budgets: DefaultBudgets(),
		log:     log,
		windows: make(map[windowKey]*window),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	for class, b := range l.budgets {
		if b.PerMinute <= 0 || b.PerSecond <= 0 || b.Weight <= 0 {
			return nil, fmt.Errorf("ratelimit: class %s: budget values must be greater than 0", class)
		}
		if b.Weight > b.PerMinute {
			return nil, fmt.Errorf("ratelimit: class %s: weight %d exceeds minute budget %d", class, b.Weight, b.PerMinute)
		}
	}
	return l, nil
}

// Budget returns the allowance for class, falling back to the default class.
func (l *Limiter) Budget(class Class) Budget {
	if b, ok := l.budgets[class]; ok {
		return b
	}
	return l.budgets[ClassDefault]
}

// Wait blocks until a request of class may be sent for fingerprint and records it.
func (l *Limiter) Wait(ctx context.Context, fingerprint string, class Class) error {
	if _, ok := l.budgets[class]; !ok {
		class = ClassDefault
	}
	budget := l.budgets[class]
	w := l.window(fingerprint, class)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.mu.Lock()
		if w.dropped {
			w.mu.Unlock()
			w = l.window(fingerprint, class)
			continue
		}
		now := l.now()
		w.evict(now)
		d := w.delay(now, budget)
		if d == 0 {
			w.entries = append(w.entries, entry{at: now, weight: budget.Weight})
			w.mu.Unlock()
			return nil
		}
		used := w.weight()
		w.mu.Unlock()

		l.log.WithComponent("ratelimit").WithFields(logger.Fields{
			"fingerprint": logger.ShortFingerprint(fingerprint),
			"class":       string(class),
			"used_weight": used,
			"wait_ms":     d.Milliseconds(),
		}).Debug("rate limit budget exhausted, waiting")
		if l.onDelay != nil {
			l.onDelay(class, d)
		}

		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// Used reports the weight currently counted in the trailing minute.
func (l *Limiter) Used(fingerprint string, class Class) int {
	w := l.window(fingerprint, class)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(l.now())
	return w.weight()
}

// Prune drops windows with nothing left in the trailing minute and returns how many it
// removed. A window that still counts weight is kept even when no client uses the key any
// more, so a restart within the minute resumes from the same budget.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.evict(now)
		if len(w.entries) == 0 {
			w.dropped = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

func (l *Limiter) window(fingerprint string, class Class) *window {
	key := windowKey{fingerprint: fingerprint, class: class}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
