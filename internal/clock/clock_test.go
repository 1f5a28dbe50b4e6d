package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	fired []int
	ch    chan int
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan int, 8)}
}

func (r *recorder) expire(turn int) {
	r.mu.Lock()
	r.fired = append(r.fired, turn)
	r.mu.Unlock()
	r.ch <- turn
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func recvFire(t *testing.T, ch <-chan int, within time.Duration) int {
	t.Helper()
	select {
	case turn := <-ch:
		return turn
	case <-time.After(within):
		t.Fatalf("timed out waiting for expiry")
		return -1
	}
}

func recvNoFire(t *testing.T, ch <-chan int, within time.Duration) {
	t.Helper()
	select {
	case turn := <-ch:
		t.Fatalf("expected no expiry within %v, got turn %d", within, turn)
	case <-time.After(within):
	}
}

func TestRemaining(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		deadline time.Time
		want     int
	}{
		{name: "full minute", deadline: now.Add(60 * time.Second), want: 60},
		{name: "floors partial seconds", deadline: now.Add(29*time.Second + 900*time.Millisecond), want: 29},
		{name: "under a second", deadline: now.Add(300 * time.Millisecond), want: 0},
		{name: "exactly now", deadline: now, want: 0},
		{name: "past", deadline: now.Add(-time.Hour), want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Remaining(tc.deadline, now))
		})
	}
}

func TestClock_FiresOnceAtDeadline(t *testing.T) {
	rec := newRecorder()
	c := New(rec.expire, WithInterval(5*time.Millisecond))
	defer c.Stop()

	deadline := time.Now().Add(40 * time.Millisecond)
	c.Observe(3, deadline)
	assert.Equal(t, 3, recvFire(t, rec.ch, time.Second))

	// observing the same deadline again must not re-arm
	c.Observe(3, deadline)
	recvNoFire(t, rec.ch, 60*time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestClock_LateJoinerFiresImmediately(t *testing.T) {
	rec := newRecorder()
	c := New(rec.expire, WithInterval(time.Hour))
	defer c.Stop()

	c.Observe(0, time.Now().Add(-5*time.Second))
	assert.Equal(t, 0, recvFire(t, rec.ch, 200*time.Millisecond))
}

func TestClock_NewTurnReplacesArm(t *testing.T) {
	rec := newRecorder()
	c := New(rec.expire, WithInterval(5*time.Millisecond))
	defer c.Stop()

	c.Observe(1, time.Now().Add(50*time.Millisecond))
	c.Observe(2, time.Now().Add(80*time.Millisecond))

	assert.Equal(t, 2, recvFire(t, rec.ch, time.Second))
	recvNoFire(t, rec.ch, 100*time.Millisecond)
}

func TestClock_StopPreventsFire(t *testing.T) {
	rec := newRecorder()
	c := New(rec.expire, WithInterval(5*time.Millisecond))

	c.Observe(4, time.Now().Add(40*time.Millisecond))
	c.Stop()

	recvNoFire(t, rec.ch, 120*time.Millisecond)
	assert.Equal(t, 0, c.Remaining())
}

func TestClock_RemainingUsesInjectedNow(t *testing.T) {
	base := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c := New(func(int) {}, WithNow(func() time.Time { return base }), WithInterval(time.Hour))
	defer c.Stop()

	c.Observe(0, base.Add(45*time.Second))
	require.Equal(t, 45, c.Remaining())
}
