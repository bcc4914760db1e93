package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresfleet/internal/store"
)

type flakyKV struct {
	*store.Memory
	mu   sync.Mutex
	fail map[string]error
	hook func(userID string)
}

func (f *flakyKV) Update(ctx context.Context, userID string, fields store.Record) error {
	f.mu.Lock()
	err, hook := f.fail[userID], f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(userID)
	}
	if err != nil {
		return err
	}
	return f.Memory.Update(ctx, userID, fields)
}

func TestBatcherCoalescesPerUser(t *testing.T) {
	kv := store.NewMemory()
	b := NewBatcher(kv, 0, nil)
	b.Queue("u1", store.Record{"account_balance": 10.0, "total_trades": 1})
	b.Queue("u1", store.Record{"account_balance": 12.0})
	b.Queue("u2", store.Record{"bot_active": true})
	b.Queue("u3", nil)
	assert.Equal(t, 2, b.Pending())

	n, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, b.Pending())

	rec, err := kv.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, rec["account_balance"])
	assert.Equal(t, 1, rec["total_trades"])
	assert.IsType(t, time.Time{}, rec[lastUpdateField])

	_, err = kv.Get(context.Background(), "u3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatcherRequeueKeepsNewerFields(t *testing.T) {
	boom := errors.New("store unavailable")
	kv := &flakyKV{Memory: store.NewMemory(), fail: map[string]error{"u1": boom}}
	b := NewBatcher(kv, 0, nil)

	kv.hook = func(userID string) {
		if userID == "u1" {
			b.Queue("u1", store.Record{"account_balance": 99.0})
		}
	}
	b.Queue("u1", store.Record{"account_balance": 50.0, "total_pnl": 3.0})
	b.Queue("u2", store.Record{"bot_active": true})

	n, err := b.Flush(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, b.Pending())

	kv.mu.Lock()
	kv.fail = nil
	kv.hook = nil
	kv.mu.Unlock()

	n, err = b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := kv.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 99.0, rec["account_balance"], "newer value must survive the requeue")
	assert.Equal(t, 3.0, rec["total_pnl"])
	_, hasStamp := rec[lastUpdateField]
	assert.True(t, hasStamp)
}

func TestBatcherCancelledContextRequeuesEverything(t *testing.T) {
	kv := store.NewMemory()
	b := NewBatcher(kv, 1, nil)
	b.Queue("u1", store.Record{"a": 1})
	b.Queue("u2", store.Record{"a": 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := b.Flush(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, b.Pending())
}
