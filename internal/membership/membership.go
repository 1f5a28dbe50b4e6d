// Package membership registers participants in a room and authenticates
// their later requests with the session token handed out at registration.
package membership

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/DoyleJ11/team-draft/internal/apperr"
	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/store"
)

const MaxNicknameLength = 32

var (
	ErrEmptyNickname      = apperr.Validation(errors.New("nickname is required"))
	ErrNicknameTooLong    = apperr.Validation(errors.Newf("nickname longer than %d characters", MaxNicknameLength))
	ErrInvalidRole        = apperr.Validation(errors.New("role must be captain or spectator"))
	ErrMissingTeam        = apperr.Validation(errors.New("captains must choose a team"))
	ErrDuplicateNickname  = apperr.Conflict(errors.New("nickname already taken in this room"))
	ErrTeamCaptainTaken   = apperr.Conflict(errors.New("team already has a captain"))
	ErrUnknownParticipant = apperr.NotAuthorized(errors.New("not registered in this room"))
	ErrBadToken           = apperr.NotAuthorized(errors.New("session token does not match"))
)

type Registry struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// Register adds a participant to roomID. The returned participant carries a
// fresh session token that must accompany every later mutating request.
func (r *Registry) Register(ctx context.Context, roomID, nickname string, role store.Role, team engine.Team) (store.Participant, error) {
	nickname = strings.TrimSpace(nickname)
	switch {
	case nickname == "":
		return store.Participant{}, ErrEmptyNickname
	case utf8.RuneCountInString(nickname) > MaxNicknameLength:
		return store.Participant{}, ErrNicknameTooLong
	case !role.Valid():
		return store.Participant{}, ErrInvalidRole
	}

	if role == store.RoleSpectator {
		team = ""
	} else if !team.Valid() {
		return store.Participant{}, ErrMissingTeam
	}

	existing, err := r.store.Participants(ctx, roomID)
	if err != nil {
		return store.Participant{}, err
	}
	if lo.ContainsBy(existing, func(p store.Participant) bool { return p.Nickname == nickname }) {
		return store.Participant{}, errors.Wrapf(ErrDuplicateNickname, "%s", nickname)
	}
	if role == store.RoleCaptain && lo.ContainsBy(existing, func(p store.Participant) bool {
		return p.Role == store.RoleCaptain && p.Team == team
	}) {
		return store.Participant{}, errors.Wrapf(ErrTeamCaptainTaken, "%s", team)
	}

	token, err := newToken()
	if err != nil {
		return store.Participant{}, err
	}

	// The store enforces both rules again, so a racing registration that
	// slipped past the checks above still fails with the same error.
	p, err := r.store.AddParticipant(ctx, store.Participant{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		Nickname: nickname,
		Role:     role,
		Team:     team,
		Token:    token,
		JoinedAt: r.now(),
	})
	switch {
	case errors.Is(err, store.ErrNicknameTaken):
		return store.Participant{}, errors.Wrapf(ErrDuplicateNickname, "%s", nickname)
	case errors.Is(err, store.ErrCaptainTaken):
		return store.Participant{}, errors.Wrapf(ErrTeamCaptainTaken, "%s", team)
	case err != nil:
		return store.Participant{}, err
	}
	return p, nil
}

// Authenticate resolves participantID in roomID and checks its token.
func (r *Registry) Authenticate(ctx context.Context, roomID, participantID, token string) (store.Participant, error) {
	if participantID == "" {
		return store.Participant{}, ErrUnknownParticipant
	}
	p, err := r.store.Participant(ctx, roomID, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Participant{}, ErrUnknownParticipant
	}
	if err != nil {
		return store.Participant{}, err
	}
	if subtle.ConstantTimeCompare([]byte(p.Token), []byte(token)) != 1 {
		return store.Participant{}, ErrBadToken
	}
	return p, nil
}

func (r *Registry) List(ctx context.Context, roomID string) ([]store.Participant, error) {
	return r.store.Participants(ctx, roomID)
}

// Clear removes every participant from roomID; used when a draft is reset.
func (r *Registry) Clear(ctx context.Context, roomID string) error {
	return r.store.ClearParticipants(ctx, roomID)
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate session token")
	}
	return hex.EncodeToString(b), nil
}
