package postgres

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/errors"
	"gorm.io/datatypes"

	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/roster"
	"github.com/DoyleJ11/team-draft/internal/store"
)

type roomRow struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	Code      string    `gorm:"size:6;not null;uniqueIndex:rooms_code"`
	Name      string    `gorm:"not null"`
	Mode      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (roomRow) TableName() string { return "rooms" }

// draftRow keeps each selection list as a jsonb array of full entity
// snapshots so history renders even if the catalog changes later.
type draftRow struct {
	RoomID       string         `gorm:"type:uuid;primaryKey"`
	Revision     int64          `gorm:"not null"`
	Mode         string         `gorm:"not null"`
	TeamABans    datatypes.JSON `gorm:"column:team_a_bans;type:jsonb;not null;default:'[]'"`
	TeamBBans    datatypes.JSON `gorm:"column:team_b_bans;type:jsonb;not null;default:'[]'"`
	TeamAPicks   datatypes.JSON `gorm:"column:team_a_picks;type:jsonb;not null;default:'[]'"`
	TeamBPicks   datatypes.JSON `gorm:"column:team_b_picks;type:jsonb;not null;default:'[]'"`
	TurnIndex    int            `gorm:"not null;default:0"`
	TurnDeadline *time.Time
	Started      bool           `gorm:"not null;default:false"`
	Log          datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

func (draftRow) TableName() string { return "draft_states" }

type participantRow struct {
	ID       string    `gorm:"type:uuid;primaryKey"`
	RoomID   string    `gorm:"type:uuid;not null;uniqueIndex:participants_room_nickname,priority:1"`
	Nickname string    `gorm:"not null;uniqueIndex:participants_room_nickname,priority:2"`
	Role     string    `gorm:"not null"`
	Team     string    `gorm:"not null;default:''"`
	Token    string    `gorm:"not null"`
	JoinedAt time.Time `gorm:"not null"`
}

func (participantRow) TableName() string { return "participants" }

type messageRow struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	RoomID         string    `gorm:"type:uuid;not null;index:messages_room_created,priority:1"`
	SenderNickname string    `gorm:"not null"`
	SenderRole     string    `gorm:"not null"`
	SenderTeam     string    `gorm:"not null;default:''"`
	Text           string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;index:messages_room_created,priority:2"`
}

func (messageRow) TableName() string { return "messages" }

const (
	roomsCodeIndex         = "rooms_code"
	participantsNickIndex  = "participants_room_nickname"
	participantsCaptainIdx = "participants_room_captain_team"
)

func toRoomRow(r store.Room) roomRow {
	return roomRow{ID: r.ID, Code: r.Code, Name: r.Name, Mode: string(r.Mode), CreatedAt: r.CreatedAt}
}

func (r roomRow) toRoom() store.Room {
	return store.Room{ID: r.ID, Code: r.Code, Name: r.Name, Mode: engine.Mode(r.Mode), CreatedAt: r.CreatedAt}
}

func toDraftRow(roomID string, revision int64, s engine.State, updatedAt time.Time) (draftRow, error) {
	row := draftRow{
		RoomID:    roomID,
		Revision:  revision,
		Mode:      string(s.Mode),
		TurnIndex: s.TurnIndex,
		Started:   s.Started,
		UpdatedAt: updatedAt,
	}
	if !s.TurnDeadline.IsZero() {
		deadline := s.TurnDeadline.UTC()
		row.TurnDeadline = &deadline
	}

	var err error
	if row.TeamABans, err = marshalJSON(s.Bans[engine.TeamA]); err != nil {
		return draftRow{}, err
	}
	if row.TeamBBans, err = marshalJSON(s.Bans[engine.TeamB]); err != nil {
		return draftRow{}, err
	}
	if row.TeamAPicks, err = marshalJSON(s.Picks[engine.TeamA]); err != nil {
		return draftRow{}, err
	}
	if row.TeamBPicks, err = marshalJSON(s.Picks[engine.TeamB]); err != nil {
		return draftRow{}, err
	}
	if row.Log, err = marshalJSON(s.Log); err != nil {
		return draftRow{}, err
	}
	return row, nil
}

// columns is the whole-row replacement written by SwapDraft.
func (r draftRow) columns() map[string]any {
	return map[string]any{
		"revision":      r.Revision,
		"mode":          r.Mode,
		"team_a_bans":   r.TeamABans,
		"team_b_bans":   r.TeamBBans,
		"team_a_picks":  r.TeamAPicks,
		"team_b_picks":  r.TeamBPicks,
		"turn_index":    r.TurnIndex,
		"turn_deadline": r.TurnDeadline,
		"started":       r.Started,
		"log":           r.Log,
		"updated_at":    r.UpdatedAt,
	}
}

func (r draftRow) toDraft() (store.Draft, error) {
	s := engine.NewEmptyState(engine.Mode(r.Mode))
	s.TurnIndex = r.TurnIndex
	s.Started = r.Started
	if r.TurnDeadline != nil {
		s.TurnDeadline = *r.TurnDeadline
	}

	lists := []struct {
		raw  datatypes.JSON
		dest map[engine.Team][]roster.Entity
		team engine.Team
	}{
		{r.TeamABans, s.Bans, engine.TeamA},
		{r.TeamBBans, s.Bans, engine.TeamB},
		{r.TeamAPicks, s.Picks, engine.TeamA},
		{r.TeamBPicks, s.Picks, engine.TeamB},
	}
	for _, l := range lists {
		var entities []roster.Entity
		if err := unmarshalJSON(l.raw, &entities); err != nil {
			return store.Draft{}, err
		}
		l.dest[l.team] = append(l.dest[l.team], entities...)
	}
	if err := unmarshalJSON(r.Log, &s.Log); err != nil {
		return store.Draft{}, err
	}
	if s.Log == nil {
		s.Log = []engine.LogEntry{}
	}

	return store.Draft{RoomID: r.RoomID, Revision: r.Revision, State: s, UpdatedAt: r.UpdatedAt}, nil
}

func toParticipantRow(p store.Participant) participantRow {
	return participantRow{
		ID:       p.ID,
		RoomID:   p.RoomID,
		Nickname: p.Nickname,
		Role:     string(p.Role),
		Team:     string(p.Team),
		Token:    p.Token,
		JoinedAt: p.JoinedAt,
	}
}

func (r participantRow) toParticipant() store.Participant {
	return store.Participant{
		ID:       r.ID,
		RoomID:   r.RoomID,
		Nickname: r.Nickname,
		Role:     store.Role(r.Role),
		Team:     engine.Team(r.Team),
		Token:    r.Token,
		JoinedAt: r.JoinedAt,
	}
}

func toMessageRow(m store.Message) messageRow {
	return messageRow{
		ID:             m.ID,
		RoomID:         m.RoomID,
		SenderNickname: m.SenderNickname,
		SenderRole:     string(m.SenderRole),
		SenderTeam:     string(m.SenderTeam),
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
}

func (r messageRow) toMessage() store.Message {
	return store.Message{
		ID:             r.ID,
		RoomID:         r.RoomID,
		SenderNickname: r.SenderNickname,
		SenderRole:     store.Role(r.SenderRole),
		SenderTeam:     engine.Team(r.SenderTeam),
		Text:           r.Text,
		CreatedAt:      r.CreatedAt,
	}
}

func marshalJSON(v any) (datatypes.JSON, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode draft column")
	}
	return datatypes.JSON(b), nil
}

func unmarshalJSON(raw datatypes.JSON, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return errors.Wrap(sonic.Unmarshal(raw, v), "decode draft column")
}
