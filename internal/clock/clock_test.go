package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestReal_NowIsUTC(t *testing.T) {
	now := Real{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestOrReal(t *testing.T) {
	assert.Equal(t, Real{}, OrReal(nil))

	m := NewManual(epoch)
	assert.Same(t, m, OrReal(m))
}

func TestManual_AdvanceMovesNow(t *testing.T) {
	m := NewManual(epoch)
	assert.Equal(t, epoch, m.Now())

	got := m.Advance(30 * time.Second)
	assert.Equal(t, epoch.Add(30*time.Second), got)
	assert.Equal(t, got, m.Now())
}

func TestManual_AdvanceNegativeIsNoop(t *testing.T) {
	m := NewManual(epoch)
	m.Advance(-time.Hour)
	assert.Equal(t, epoch, m.Now())
}

func TestManual_AfterFiresOnlyWhenDue(t *testing.T) {
	m := NewManual(epoch)
	ch := m.After(10 * time.Second)
	require.Equal(t, 1, m.Pending())

	m.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	m.Advance(5 * time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, epoch.Add(10*time.Second), at)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, m.Pending())
}

func TestManual_AfterZeroFiresImmediately(t *testing.T) {
	m := NewManual(epoch)
	select {
	case at := <-m.After(0):
		assert.Equal(t, epoch, at)
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}

func TestManual_SleepUnblocksOnAdvance(t *testing.T) {
	m := NewManual(epoch)
	done := make(chan struct{})
	go func() {
		m.Sleep(time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.Pending() == 1 }, time.Second, time.Millisecond)
	m.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestManual_SetFiresTimers(t *testing.T) {
	m := NewManual(epoch)
	ch := m.After(time.Hour)
	m.Set(epoch.Add(2 * time.Hour))

	select {
	case <-ch:
	default:
		t.Fatal("timer should fire after Set past deadline")
	}
}
