package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestScheduler_FiresAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	var fired atomic.Int32
	s.Arm("watchdog", 2*time.Second, func() { fired.Add(1) })

	mock.Add(1 * time.Second)
	if fired.Load() != 0 {
		t.Error("timer fired early")
	}
	mock.Add(1 * time.Second)
	if fired.Load() != 1 {
		t.Errorf("fired = %d, want 1", fired.Load())
	}
	if s.Armed("watchdog") {
		t.Error("fired timer should no longer be armed")
	}
}

func TestScheduler_RearmReplaces(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	var first, second atomic.Int32
	s.Arm("deadair", 1*time.Second, func() { first.Add(1) })
	s.Arm("deadair", 3*time.Second, func() { second.Add(1) })

	mock.Add(2 * time.Second)
	if first.Load() != 0 {
		t.Error("replaced timer must not fire")
	}
	mock.Add(2 * time.Second)
	if second.Load() != 1 {
		t.Errorf("second = %d, want 1", second.Load())
	}
}

func TestScheduler_Cancel(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	var fired atomic.Int32
	s.Arm("grace", 1*time.Second, func() { fired.Add(1) })
	s.Cancel("grace")

	mock.Add(5 * time.Second)
	if fired.Load() != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestScheduler_StopAll(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	var fired atomic.Int32
	s.Arm("a", 1*time.Second, func() { fired.Add(1) })
	s.Arm("b", 2*time.Second, func() { fired.Add(1) })
	s.StopAll()

	// Arms after teardown are rejected.
	s.Arm("c", 1*time.Second, func() { fired.Add(1) })

	mock.Add(10 * time.Second)
	if fired.Load() != 0 {
		t.Errorf("fired = %d after StopAll, want 0", fired.Load())
	}
}
