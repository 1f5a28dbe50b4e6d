package lobby

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/team-draft/internal/clock"
	"github.com/DoyleJ11/team-draft/internal/draft"
	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/roster"
	"github.com/DoyleJ11/team-draft/internal/store"
	"github.com/DoyleJ11/team-draft/internal/store/memory"
)

// helper: receive one snapshot with a timeout so tests never hang
func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{} // unreachable
	}
}

// recvUntil drains snapshots until cond holds.
func recvUntil(t *testing.T, ch <-chan Snapshot, within time.Duration, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatalf("client outbox closed unexpectedly")
			}
			if cond(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
			return Snapshot{}
		}
	}
}

func recvClosed(t *testing.T, ch <-chan Snapshot, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("outbox not closed within %v", within)
		}
	}
}

func recvStatus(t *testing.T, l *Lobby) Status {
	t.Helper()
	reply := make(chan Status, 1)
	require.True(t, l.Send(GetState{Reply: reply}))
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for status")
		return Status{} // unreachable
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *draft.Service
	store *memory.Store
	clock *fakeClock
	room  store.Room
	capA  draft.Actor
	capB  draft.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := &fakeClock{now: time.Now()}
	st := memory.New(memory.WithNow(fc.Now))
	svc := draft.NewService(st, roster.Default(), draft.WithNow(fc.Now))
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "scrim", engine.Mode3v3)
	require.NoError(t, err)
	a, err := svc.Join(ctx, room.Code, "ana", store.RoleCaptain, engine.TeamA)
	require.NoError(t, err)
	b, err := svc.Join(ctx, room.Code, "bo", store.RoleCaptain, engine.TeamB)
	require.NoError(t, err)

	return &fixture{
		svc:   svc,
		store: st,
		clock: fc,
		room:  room,
		capA:  draft.Actor{ParticipantID: a.ID, Token: a.Token},
		capB:  draft.Actor{ParticipantID: b.ID, Token: b.Token},
	}
}

func (f *fixture) start(t *testing.T, ctx context.Context, opts ...func(*Config)) *Lobby {
	t.Helper()
	cfg := Config{
		Room:     f.room,
		Source:   f.svc,
		Resolver: f.svc,
		Clock:    []clock.Option{clock.WithInterval(10 * time.Millisecond), clock.WithNow(f.clock.Now)},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	l := NewLobby(ctx, cfg)
	go l.Run()
	return l
}

func TestLobby_JoinGetsSyncedSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := f.start(t, ctx)
	out := make(chan Snapshot, 4)
	require.True(t, l.Send(Join{ClientID: "c1", Outbox: out}))

	first := recvSnapshot(t, out, time.Second)
	assert.EqualValues(t, 1, first.Version)
	assert.Equal(t, f.room.Code, first.View.Room.Code)
	assert.Len(t, first.View.Participants, 2)
	assert.False(t, first.View.Draft.State.Started)
}

func TestLobby_BroadcastsStoreChanges(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := f.start(t, ctx)
	a := make(chan Snapshot, 8)
	b := make(chan Snapshot, 8)
	require.True(t, l.Send(Join{ClientID: "a", Outbox: a}))
	require.True(t, l.Send(Join{ClientID: "b", Outbox: b}))
	_ = recvSnapshot(t, a, time.Second)
	_ = recvSnapshot(t, b, time.Second)

	require.NoError(t, f.svc.Start(ctx, f.room.Code, f.capA))
	require.NoError(t, f.svc.Submit(ctx, f.room.Code, f.capA, engine.ActionBan, "jake", 0))

	for _, out := range []chan Snapshot{a, b} {
		snap := recvUntil(t, out, time.Second, func(s Snapshot) bool { return s.View.Draft.State.TurnIndex == 1 })
		assert.Equal(t, "jake", snap.View.Draft.State.Bans[engine.TeamA][0].ID)
	}

	_, err := f.svc.Post(ctx, f.room.Code, f.capB, "nice ban")
	require.NoError(t, err)
	snap := recvUntil(t, a, time.Second, func(s Snapshot) bool { return len(s.View.Messages) == 1 })
	assert.Equal(t, "nice ban", snap.View.Messages[0].Text)
}

func TestLobby_DropSlowClient(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := f.start(t, ctx)
	slow := make(chan Snapshot, 1)
	require.True(t, l.Send(Join{ClientID: "slow", Outbox: slow}))
	require.Eventually(t, func() bool { return recvStatus(t, l).Synced }, time.Second, 10*time.Millisecond)

	_, err := f.svc.Post(ctx, f.room.Code, f.capA, "one")
	require.NoError(t, err)
	_, err = f.svc.Post(ctx, f.room.Code, f.capA, "two")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return recvStatus(t, l).NumClients == 0 }, time.Second, 10*time.Millisecond)
	recvClosed(t, slow, time.Second)
}

func TestLobby_TimerFires_TimeoutResolvesTurn(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.svc.Start(ctx, f.room.Code, f.capA))
	l := f.start(t, ctx)
	out := make(chan Snapshot, 8)
	require.True(t, l.Send(Join{ClientID: "c1", Outbox: out}))
	first := recvSnapshot(t, out, time.Second)
	assert.Equal(t, 0, first.View.Draft.State.TurnIndex)

	f.clock.Advance(61 * time.Second)

	next := recvUntil(t, out, 2*time.Second, func(s Snapshot) bool { return s.View.Draft.State.TurnIndex == 1 })
	require.Len(t, next.View.Draft.State.Log, 1)
	assert.True(t, next.View.Draft.State.Log[0].Automatic)
}

// Several lobbies for the same room (one per process) all fire; the
// conditional write lets exactly one resolution land.
func TestLobby_CompetingTimeoutsResolveOnce(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.svc.Start(ctx, f.room.Code, f.capA))
	outs := make([]chan Snapshot, 3)
	for i := range outs {
		l := f.start(t, ctx)
		outs[i] = make(chan Snapshot, 16)
		require.True(t, l.Send(Join{ClientID: "c", Outbox: outs[i]}))
		_ = recvSnapshot(t, outs[i], time.Second)
	}

	f.clock.Advance(61 * time.Second)
	for _, out := range outs {
		_ = recvUntil(t, out, 2*time.Second, func(s Snapshot) bool { return s.View.Draft.State.TurnIndex == 1 })
	}

	time.Sleep(100 * time.Millisecond)
	d, err := f.store.LoadDraft(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.State.TurnIndex)
	assert.Len(t, d.State.Log, 1)
}

type flakyResolver struct {
	inner *draft.Service
	fails atomic.Int32
}

func (r *flakyResolver) ResolveTimeout(ctx context.Context, room store.Room, turn int) error {
	if r.fails.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return r.inner.ResolveTimeout(ctx, room, turn)
}

func TestLobby_RearmsAfterFailedTimeout(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.svc.Start(ctx, f.room.Code, f.capA))
	resolver := &flakyResolver{inner: f.svc}
	resolver.fails.Store(1)
	l := f.start(t, ctx, func(c *Config) { c.Resolver = resolver })

	out := make(chan Snapshot, 8)
	require.True(t, l.Send(Join{ClientID: "c1", Outbox: out}))
	_ = recvSnapshot(t, out, time.Second)

	f.clock.Advance(61 * time.Second)
	_ = recvUntil(t, out, 3*time.Second, func(s Snapshot) bool { return s.View.Draft.State.TurnIndex == 1 })
}

func TestLobby_ResyncsAfterDroppedSubscription(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := f.start(t, ctx)
	out := make(chan Snapshot, 8)
	require.True(t, l.Send(Join{ClientID: "c1", Outbox: out}))
	first := recvSnapshot(t, out, time.Second)

	f.store.Broker().Reset()
	resynced := recvSnapshot(t, out, 2*time.Second)
	assert.Greater(t, resynced.Version, first.Version)

	require.NoError(t, f.svc.Start(ctx, f.room.Code, f.capA))
	snap := recvUntil(t, out, time.Second, func(s Snapshot) bool { return s.View.Draft.State.Started })
	assert.True(t, snap.View.Draft.State.Started)
}

func TestLobby_ResetClearsParticipants(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := f.start(t, ctx)
	out := make(chan Snapshot, 8)
	require.True(t, l.Send(Join{ClientID: "c1", Outbox: out}))
	_ = recvSnapshot(t, out, time.Second)

	require.NoError(t, f.svc.Start(ctx, f.room.Code, f.capA))
	require.NoError(t, f.svc.Reset(ctx, f.room.Code, f.capB))

	snap := recvUntil(t, out, time.Second, func(s Snapshot) bool {
		return len(s.View.Participants) == 0 && !s.View.Draft.State.Started && s.View.Draft.Revision == 3
	})
	assert.Empty(t, snap.View.Draft.State.Log)
}

func TestLobby_LastLeaveShutsDown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closed := make(chan *Lobby, 1)
	l := f.start(t, ctx, func(c *Config) { c.OnClose = func(l *Lobby) { closed <- l } })

	out := make(chan Snapshot, 4)
	require.True(t, l.Send(Join{ClientID: "c1", Outbox: out}))
	_ = recvSnapshot(t, out, time.Second)
	require.True(t, l.Send(Leave{ClientID: "c1"}))

	select {
	case got := <-closed:
		assert.Same(t, l, got)
	case <-time.After(time.Second):
		t.Fatal("lobby did not shut down after last leave")
	}
	<-l.Done()
	assert.False(t, l.Send(Join{ClientID: "late", Outbox: make(chan Snapshot, 1)}))
	assert.Zero(t, f.store.Broker().Subscribers(f.room.ID), "subscription torn down")
}

func TestLobby_Shutdown_StopsTimer_NoFire(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.svc.Start(ctx, f.room.Code, f.capA))
	l := f.start(t, ctx)
	out := make(chan Snapshot, 4)
	require.True(t, l.Send(Join{ClientID: "c1", Outbox: out}))
	_ = recvSnapshot(t, out, time.Second)

	require.True(t, l.Send(Shutdown{}))
	<-l.Done()
	recvClosed(t, out, time.Second)

	f.clock.Advance(61 * time.Second)
	time.Sleep(100 * time.Millisecond)
	d, err := f.store.LoadDraft(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, d.State.TurnIndex, "no timeout after shutdown")
}
