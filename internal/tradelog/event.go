// Package tradelog records an append-only history of opened and closed positions.
package tradelog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// Event is one trade record.
type Event struct {
	ID            uuid.UUID `json:"id"`
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	Timeframe     string    `json:"timeframe"`
	Strategy      string    `json:"strategy"`
	Action        Action    `json:"action"`
	Side          string    `json:"side"`
	Reason        string    `json:"reason"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	StopLossPct   float64   `json:"stop_loss_pct"`
	TakeProfitPct float64   `json:"take_profit_pct"`
	PnL           float64   `json:"pnl"`
	Time          time.Time `json:"time"`
}

// Stamp fills a missing id and time.
func (e Event) Stamp(now time.Time) Event {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = now.UTC()
	}
	return e
}

// Sink stores trade events. Record must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Multi records into every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Memory keeps the most recent events in process. A limit of zero keeps everything.
type Memory struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append(m.events[:0:0], m.events[len(m.events)-m.limit:]...)
	}
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by user.
func (m *Memory) Events(userID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if userID == "" || e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns up to limit events for the user, newest first.
func (m *Memory) Recent(_ context.Context, userID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if m.events[i].UserID == userID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}
