package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnlimitedReturnsZero(t *testing.T) {
	r := NewRateLimiter(0, 100)
	for i := 0; i < 10; i++ {
		assert.Equal(t, time.Duration(0), r.LimitSpeedTime())
	}
}

func TestPeriodDerivedFromRateAndUnit(t *testing.T) {
	// 1000 events/sec in units of 100 -> one unit every 100ms
	r := NewRateLimiter(1000, 100)
	assert.Equal(t, 100*time.Millisecond, r.period)
}

func TestDeadlineAdvancesByWholePeriods(t *testing.T) {
	r := NewRateLimiter(1000, 50) // 50ms period
	first := r.LimitSpeedTime()
	assert.GreaterOrEqual(t, first, time.Duration(0))
	assert.LessOrEqual(t, first, 50*time.Millisecond)

	// sleep past the pending deadline: the limiter catches its schedule up
	// instead of accumulating a compensation debt
	time.Sleep(120 * time.Millisecond)
	behind := r.LimitSpeedTime()
	assert.Equal(t, time.Duration(0), behind)

	// the very next call is back on a forward deadline
	next := r.LimitSpeedTime()
	assert.LessOrEqual(t, next, 50*time.Millisecond)
}

func TestWaitObservesStop(t *testing.T) {
	r := NewRateLimiter(1, 10) // 10s period: Wait would block a long time
	r.LimitSpeedTime()         // consume the first deadline (also 10s out)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.Wait(stop)
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not observe stop channel")
	}
}
