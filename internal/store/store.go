// Package store is the shared source of truth for rooms, draft state,
// participants and chat. Every mutation is a whole-row write scoped by room
// id, and every write is echoed to the room's subscribers as a Notification
// carrying the full row.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/DoyleJ11/team-draft/internal/apperr"
	"github.com/DoyleJ11/team-draft/internal/engine"
)

var (
	ErrNotFound      = apperr.NotFound(errors.New("record not found"))
	ErrStaleWrite    = apperr.Conflict(errors.New("draft changed since it was read"))
	ErrNicknameTaken = apperr.Conflict(errors.New("nickname already taken in this room"))
	ErrCaptainTaken  = apperr.Conflict(errors.New("team already has a captain"))
	ErrCodeTaken     = apperr.Conflict(errors.New("room code already in use"))
)

type Role string

const (
	RoleCaptain   Role = "captain"
	RoleSpectator Role = "spectator"
)

func (r Role) Valid() bool { return r == RoleCaptain || r == RoleSpectator }

type Room struct {
	ID        string
	Code      string
	Name      string
	Mode      engine.Mode
	CreatedAt time.Time
}

// Draft is the stored draft row. Revision increases by one on every write.
type Draft struct {
	RoomID    string
	Revision  int64
	State     engine.State
	UpdatedAt time.Time
}

// Participant carries the session token; it never leaves the server.
type Participant struct {
	ID       string
	RoomID   string
	Nickname string
	Role     Role
	Team     engine.Team
	Token    string
	JoinedAt time.Time
}

type Message struct {
	ID             string
	RoomID         string
	SenderNickname string
	SenderRole     Role
	SenderTeam     engine.Team
	Text           string
	CreatedAt      time.Time
}

type NotificationKind string

const (
	DraftUpdated        NotificationKind = "draft_updated"
	ParticipantJoined   NotificationKind = "participant_joined"
	ParticipantsCleared NotificationKind = "participants_cleared"
	MessagePosted       NotificationKind = "message_posted"
)

// Notification is one room-scoped change. Exactly one of the row pointers is
// set, matching Kind; ParticipantsCleared carries none.
type Notification struct {
	Kind        NotificationKind
	RoomID      string
	Draft       *Draft
	Participant *Participant
	Message     *Message
}

type Store interface {
	// CreateRoom inserts the room and its initial draft row together.
	CreateRoom(ctx context.Context, room Room, initial engine.State) (Draft, error)
	RoomByCode(ctx context.Context, code string) (Room, error)
	CodeTaken(ctx context.Context, code string) (bool, error)

	LoadDraft(ctx context.Context, roomID string) (Draft, error)
	// SwapDraft replaces the draft row with next only while the stored row
	// still has expected's revision and turn index. Otherwise it returns
	// ErrStaleWrite and writes nothing.
	SwapDraft(ctx context.Context, expected Draft, next engine.State) (Draft, error)

	AddParticipant(ctx context.Context, p Participant) (Participant, error)
	Participant(ctx context.Context, roomID, id string) (Participant, error)
	Participants(ctx context.Context, roomID string) ([]Participant, error)
	ClearParticipants(ctx context.Context, roomID string) error

	AddMessage(ctx context.Context, m Message) (Message, error)
	// Messages returns up to limit of the most recent messages, oldest first.
	Messages(ctx context.Context, roomID string, limit int) ([]Message, error)

	// Subscribe delivers every change to roomID until ctx ends or the
	// subscription is closed. A subscriber that falls behind is dropped and
	// its channel closed; the caller should re-subscribe and re-fetch.
	Subscribe(ctx context.Context, roomID string) (*Subscription, error)

	Close() error
}
