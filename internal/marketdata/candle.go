package marketdata

import (
	"sync"
	"time"
)

// MinCandleCapacity is the smallest buffer a stream keeps per interval.
const MinCandleCapacity = 50

// Candle is one closed kline.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Buffer is a fixed-capacity FIFO of closed candles ordered by open time.
type Buffer struct {
	mu    sync.RWMutex
	items []Candle
	head  int
	size  int
}

// NewBuffer returns a buffer holding at most capacity candles. Capacities below
// MinCandleCapacity are raised to it.
func NewBuffer(capacity int) *Buffer {
	if capacity < MinCandleCapacity {
		capacity = MinCandleCapacity
	}
	return &Buffer{items: make([]Candle, capacity)}
}

func (b *Buffer) Cap() int {
	return len(b.items)
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Append adds c as the newest candle, evicting the oldest when full. A candle with the same
// open time as the newest one replaces it; an older one is ignored.
func (b *Buffer) Append(c Candle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(c)
}

func (b *Buffer) appendLocked(c Candle) bool {
	if b.size > 0 {
		last := b.at(b.size - 1)
		switch {
		case c.OpenTime.Equal(last.OpenTime):
			b.items[b.index(b.size-1)] = c
			return true
		case c.OpenTime.Before(last.OpenTime):
			return false
		}
	}
	if b.size < len(b.items) {
		b.items[b.index(b.size)] = c
		b.size++
		return true
	}
	b.items[b.head] = c
	b.head = (b.head + 1) % len(b.items)
	return true
}

// Merge appends the candles of history that are newer than the newest buffered one and
// returns how many were taken. history must be ordered oldest first.
func (b *Buffer) Merge(history []Candle) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var newest time.Time
	if b.size > 0 {
		newest = b.at(b.size - 1).OpenTime
	}
	added := 0
	for _, c := range history {
		if b.size > 0 && !c.OpenTime.After(newest) {
			continue
		}
		if b.appendLocked(c) {
			newest = c.OpenTime
			added++
		}
	}
	return added
}

// Window copies the buffer, oldest first.
func (b *Buffer) Window() []Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Candle, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.at(i)
	}
	return out
}

// Last returns the newest candle.
func (b *Buffer) Last() (Candle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return Candle{}, false
	}
	return b.at(b.size - 1), true
}

func (b *Buffer) index(i int) int {
	return (b.head + i) % len(b.items)
}

func (b *Buffer) at(i int) Candle {
	return b.items[b.index(i)]
}
