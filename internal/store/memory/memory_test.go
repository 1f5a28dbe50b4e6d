package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/team-draft/internal/apperr"
	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/roster"
	"github.com/DoyleJ11/team-draft/internal/store"
)

var t0 = time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

func newRoom(t *testing.T, s *Store, id, code string) store.Draft {
	t.Helper()
	initial, err := engine.NewState(engine.Mode3v3, t0)
	require.NoError(t, err)
	initial, err = engine.Start(initial, t0)
	require.NoError(t, err)
	d, err := s.CreateRoom(context.Background(), store.Room{ID: id, Code: code, Name: "Scrim", Mode: engine.Mode3v3}, initial)
	require.NoError(t, err)
	return d
}

func TestCreateRoomRejectsDuplicateCode(t *testing.T) {
	s := New()
	d := newRoom(t, s, "r1", "ABC123")
	assert.EqualValues(t, 1, d.Revision)

	taken, err := s.CodeTaken(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.True(t, taken)

	_, err = s.CreateRoom(context.Background(), store.Room{ID: "r2", Code: "ABC123"}, engine.NewEmptyState(engine.Mode3v3))
	assert.True(t, errors.Is(err, store.ErrCodeTaken))

	room, err := s.RoomByCode(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "r1", room.ID)

	_, err = s.RoomByCode(context.Background(), "ZZZZZZ")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestSwapDraftBumpsRevisionAndNotifies(t *testing.T) {
	s := New()
	d := newRoom(t, s, "r1", "ABC123")
	sub, err := s.Subscribe(context.Background(), "r1")
	require.NoError(t, err)
	defer sub.Close()

	jake, _ := roster.Default().Lookup("jake")
	next, err := engine.ResolveTurn(d.State, jake, false, t0)
	require.NoError(t, err)

	written, err := s.SwapDraft(context.Background(), d, next)
	require.NoError(t, err)
	assert.EqualValues(t, 2, written.Revision)
	assert.Equal(t, 1, written.State.TurnIndex)

	n := <-sub.C
	assert.Equal(t, store.DraftUpdated, n.Kind)
	require.NotNil(t, n.Draft)
	assert.EqualValues(t, 2, n.Draft.Revision)
	assert.Equal(t, []roster.Entity{jake}, n.Draft.State.Bans[engine.TeamA])

	_, err = s.SwapDraft(context.Background(), d, next)
	assert.True(t, errors.Is(err, store.ErrStaleWrite))
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

// Two writers racing on the same observed turn: exactly one lands.
func TestSwapDraftConcurrentResolutions(t *testing.T) {
	s := New()
	d := newRoom(t, s, "r1", "ABC123")
	catalog := roster.Default()

	ids := []string{"jake", "kat"}
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _ := catalog.Lookup(id)
			next, err := engine.ResolveTurn(d.State, e, false, t0)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = s.SwapDraft(context.Background(), d, next)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, store.ErrStaleWrite))
	}
	assert.Equal(t, 1, wins)

	final, err := s.LoadDraft(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, final.State.Bans[engine.TeamA], 1)
	assert.Len(t, final.State.Log, 1)
}

func TestParticipantsUniqueness(t *testing.T) {
	s := New()
	newRoom(t, s, "r1", "ABC123")
	newRoom(t, s, "r2", "XYZ789")
	ctx := context.Background()

	_, err := s.AddParticipant(ctx, store.Participant{ID: "p1", RoomID: "r1", Nickname: "ana", Role: store.RoleCaptain, Team: engine.TeamA})
	require.NoError(t, err)

	_, err = s.AddParticipant(ctx, store.Participant{ID: "p2", RoomID: "r1", Nickname: "bo", Role: store.RoleCaptain, Team: engine.TeamA})
	assert.True(t, errors.Is(err, store.ErrCaptainTaken))

	_, err = s.AddParticipant(ctx, store.Participant{ID: "p3", RoomID: "r1", Nickname: "ana", Role: store.RoleSpectator})
	assert.True(t, errors.Is(err, store.ErrNicknameTaken))

	_, err = s.AddParticipant(ctx, store.Participant{ID: "p4", RoomID: "r2", Nickname: "ana", Role: store.RoleSpectator})
	assert.NoError(t, err)

	_, err = s.AddParticipant(ctx, store.Participant{ID: "p5", RoomID: "nope", Nickname: "x", Role: store.RoleSpectator})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	p, err := s.Participant(ctx, "r1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "ana", p.Nickname)

	require.NoError(t, s.ClearParticipants(ctx, "r1"))
	list, err := s.Participants(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMessagesReturnsMostRecent(t *testing.T) {
	clock := t0
	s := New(WithNow(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	newRoom(t, s, "r1", "ABC123")

	for _, text := range []string{"one", "two", "three"} {
		_, err := s.AddMessage(context.Background(), store.Message{ID: text, RoomID: "r1", Text: text})
		require.NoError(t, err)
	}

	msgs, err := s.Messages(context.Background(), "r1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, "three", msgs[1].Text)
}

func TestLoadDraftIsACopy(t *testing.T) {
	s := New()
	newRoom(t, s, "r1", "ABC123")

	d, err := s.LoadDraft(context.Background(), "r1")
	require.NoError(t, err)
	d.State.Bans[engine.TeamA] = append(d.State.Bans[engine.TeamA], roster.Entity{ID: "x"})

	again, err := s.LoadDraft(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, again.State.Bans[engine.TeamA])
}
