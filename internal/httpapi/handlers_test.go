package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/team-draft/internal/draft"
	"github.com/DoyleJ11/team-draft/internal/hub"
	"github.com/DoyleJ11/team-draft/internal/lobby"
	"github.com/DoyleJ11/team-draft/internal/metrics"
	"github.com/DoyleJ11/team-draft/internal/roster"
	"github.com/DoyleJ11/team-draft/internal/store/memory"
	"github.com/DoyleJ11/team-draft/pkg/types"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	m := metrics.New()
	svc := draft.NewService(memory.New(), roster.Default(), draft.WithMetrics(m))
	h := hub.NewHub(context.Background(), lobby.Config{Source: svc, Resolver: svc, Metrics: m})
	srv := httptest.NewServer(SetupRoutes(Deps{Service: svc, Hub: h, Metrics: m}))
	t.Cleanup(func() {
		srv.Close()
		h.Shutdown()
	})
	return srv
}

type client struct {
	t     *testing.T
	base  string
	id    string
	token string
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.id != "" {
		req.Header.Set(HeaderParticipant, c.id)
		req.Header.Set(HeaderToken, c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createRoom(t *testing.T, base string) string {
	t.Helper()
	anon := &client{t: t, base: base}
	var created types.CreateRoomResponse
	status := anon.do(http.MethodPost, "/rooms", types.CreateRoomRequest{Name: "scrim"}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "3v3", created.Mode)
	assert.Len(t, created.Code, draft.CodeLength)
	return created.Code
}

func join(t *testing.T, base, code, nickname, role, team string) *client {
	t.Helper()
	anon := &client{t: t, base: base}
	var joined types.JoinResponse
	status := anon.do(http.MethodPost, "/rooms/"+code+"/participants",
		types.JoinRequest{Nickname: nickname, Role: role, Team: team}, &joined)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, joined.Token)
	return &client{t: t, base: base, id: joined.Participant.ID, token: joined.Token}
}

func TestHealthz(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoster(t *testing.T) {
	srv := newServer(t)
	anon := &client{t: t, base: srv.URL}
	var entities []types.Entity
	require.Equal(t, http.StatusOK, anon.do(http.MethodGet, "/roster", nil, &entities))
	assert.Len(t, entities, roster.Default().Len())
}

func TestDraftOverREST(t *testing.T) {
	srv := newServer(t)
	code := createRoom(t, srv.URL)
	a := join(t, srv.URL, code, "ana", "captain", "Team 1")
	b := join(t, srv.URL, code, "bo", "captain", "Team 2")
	watcher := join(t, srv.URL, code, "cy", "spectator", "")

	assert.Equal(t, http.StatusForbidden, watcher.do(http.MethodPost, "/rooms/"+code+"/start", nil, nil))
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodPost, "/rooms/"+code+"/start", nil, nil))

	turn := 0
	var body types.ErrorBody
	status := b.do(http.MethodPost, "/rooms/"+code+"/turns",
		types.TurnRequest{Action: "ban", EntityID: "jake", TurnIndex: &turn}, &body)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_authorized", body.Code)

	status = a.do(http.MethodPost, "/rooms/"+code+"/turns",
		types.TurnRequest{Action: "ban", EntityID: "jake", TurnIndex: &turn}, nil)
	assert.Equal(t, http.StatusNoContent, status)

	// Same turn again: someone already resolved it.
	status = a.do(http.MethodPost, "/rooms/"+code+"/turns",
		types.TurnRequest{Action: "ban", EntityID: "kat", TurnIndex: &turn}, &body)
	assert.Equal(t, http.StatusConflict, status)

	var snap types.DraftSnapshot
	require.Equal(t, http.StatusOK, watcher.do(http.MethodGet, "/rooms/"+code, nil, &snap))
	assert.True(t, snap.Started)
	assert.Equal(t, 1, snap.TurnIndex)
	require.Len(t, snap.TeamABans, 1)
	assert.Equal(t, "jake", snap.TeamABans[0].ID)
	require.NotNil(t, snap.CurrentTurn)
	assert.Equal(t, "Team 2", snap.CurrentTurn.Team)
	assert.Len(t, snap.Participants, 3)
}

func TestTurnWithoutEntityIsRandom(t *testing.T) {
	srv := newServer(t)
	code := createRoom(t, srv.URL)
	a := join(t, srv.URL, code, "ana", "captain", "Team 1")
	require.Equal(t, http.StatusNoContent, a.do(http.MethodPost, "/rooms/"+code+"/start", nil, nil))

	turn := 0
	status := a.do(http.MethodPost, "/rooms/"+code+"/turns", types.TurnRequest{Action: "ban", TurnIndex: &turn}, nil)
	assert.Equal(t, http.StatusNoContent, status)

	var snap types.DraftSnapshot
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/rooms/"+code, nil, &snap))
	assert.Equal(t, 1, snap.TurnIndex)
	require.Len(t, snap.TeamABans, 1)
	require.Len(t, snap.Log, 1)
	assert.True(t, snap.Log[0].Automatic)
}

func TestValidationErrors(t *testing.T) {
	srv := newServer(t)
	code := createRoom(t, srv.URL)
	anon := &client{t: t, base: srv.URL}

	cases := []struct {
		name string
		path string
		body any
	}{
		{"empty room name", "/rooms", types.CreateRoomRequest{}},
		{"unknown mode", "/rooms", types.CreateRoomRequest{Name: "x", Mode: "5v5"}},
		{"bad role", "/rooms/" + code + "/participants", types.JoinRequest{Nickname: "dee", Role: "coach"}},
		{"bad team", "/rooms/" + code + "/participants", types.JoinRequest{Nickname: "dee", Role: "captain", Team: "Team 3"}},
		{"captain without team", "/rooms/" + code + "/participants", types.JoinRequest{Nickname: "dee", Role: "captain"}},
		{"unknown field", "/rooms", map[string]string{"name": "x", "colour": "red"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body types.ErrorBody
			status := anon.do(http.MethodPost, tc.path, tc.body, &body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "validation", body.Code)
		})
	}
}

func TestConflictsAndMissingRooms(t *testing.T) {
	srv := newServer(t)
	code := createRoom(t, srv.URL)
	join(t, srv.URL, code, "ana", "captain", "Team 1")
	anon := &client{t: t, base: srv.URL}

	var body types.ErrorBody
	status := anon.do(http.MethodPost, "/rooms/"+code+"/participants",
		types.JoinRequest{Nickname: "ana", Role: "spectator"}, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body.Code)

	status = anon.do(http.MethodPost, "/rooms/"+code+"/participants",
		types.JoinRequest{Nickname: "eve", Role: "captain", Team: "Team 1"}, &body)
	assert.Equal(t, http.StatusConflict, status)

	status = anon.do(http.MethodGet, "/rooms/NOPE00", nil, &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body.Code)
}

func TestChatAndReset(t *testing.T) {
	srv := newServer(t)
	code := createRoom(t, srv.URL)
	a := join(t, srv.URL, code, "ana", "captain", "Team 1")
	watcher := join(t, srv.URL, code, "cy", "spectator", "")

	var msg types.ChatMessage
	require.Equal(t, http.StatusCreated, watcher.do(http.MethodPost, "/rooms/"+code+"/messages", types.ChatRequest{Text: "gl"}, &msg))
	assert.Equal(t, "cy", msg.SenderNickname)
	assert.Equal(t, "spectator", msg.SenderRole)

	require.Equal(t, http.StatusNoContent, a.do(http.MethodPost, "/rooms/"+code+"/start", nil, nil))
	require.Equal(t, http.StatusNoContent, watcher.do(http.MethodPost, "/rooms/"+code+"/reset", nil, nil))

	var snap types.DraftSnapshot
	require.Equal(t, http.StatusOK, watcher.do(http.MethodGet, "/rooms/"+code, nil, &snap))
	assert.False(t, snap.Started)
	assert.Empty(t, snap.Participants)

	// Reset cleared membership, so old credentials stop working.
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPost, "/rooms/"+code+"/start", nil, nil))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t)
	createRoom(t, srv.URL)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), "draft_rooms_created_total")
}
