package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdmissionSlidingWindow(t *testing.T) {
	a := newAdmission(3, time.Minute)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, a.allow("fp", t0))
	assert.True(t, a.allow("fp", t0.Add(10*time.Second)))
	assert.True(t, a.allow("fp", t0.Add(20*time.Second)))
	assert.False(t, a.allow("fp", t0.Add(30*time.Second)))
	assert.True(t, a.allow("other", t0.Add(30*time.Second)))

	assert.True(t, a.allow("fp", t0.Add(61*time.Second)), "first start left the window")
	assert.False(t, a.allow("fp", t0.Add(62*time.Second)))
}

func TestAdmissionSweepDropsIdle(t *testing.T) {
	a := newAdmission(0, 0)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.allow("fp", t0)
	a.sweep(t0.Add(4 * time.Minute))

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.starts)
}
