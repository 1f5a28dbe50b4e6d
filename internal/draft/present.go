package draft

import (
	"time"

	"github.com/samber/lo"

	"github.com/DoyleJ11/team-draft/internal/clock"
	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/roster"
	"github.com/DoyleJ11/team-draft/internal/store"
	"github.com/DoyleJ11/team-draft/pkg/types"
)

// Present renders v as the wire snapshot. Everything derived here (current
// turn, available entities, remaining seconds) is computed from the stored
// rows and now, never kept as separate state.
func Present(v View, catalog *roster.Catalog, version uint64, now time.Time) types.DraftSnapshot {
	s := v.Draft.State
	plan := s.Plan()

	snap := types.DraftSnapshot{
		Version:    version,
		RoomCode:   v.Room.Code,
		RoomName:   v.Room.Name,
		Mode:       string(s.Mode),
		Revision:   v.Draft.Revision,
		Started:    s.Started,
		Complete:   engine.Complete(s),
		Phase:      string(engine.DerivePhase(s)),
		TurnIndex:  s.TurnIndex,
		TotalTurns: plan.Len(),
		ServerTime: now.UTC(),

		TeamABans:  entities(s.Bans[engine.TeamA]),
		TeamBBans:  entities(s.Bans[engine.TeamB]),
		TeamAPicks: entities(s.Picks[engine.TeamA]),
		TeamBPicks: entities(s.Picks[engine.TeamB]),
		Available:  entities(engine.Available(s, catalog)),

		Log: lo.Map(s.Log, func(e engine.LogEntry, _ int) types.LogLine {
			return types.LogLine{
				Team:       string(e.Team),
				Action:     string(e.Action),
				EntityID:   e.EntityID,
				EntityName: e.EntityName,
				Automatic:  e.Automatic,
				Text:       e.String(),
			}
		}),
		Participants: lo.Map(v.Participants, func(p store.Participant, _ int) types.Participant {
			return PresentParticipant(p)
		}),
		Messages: lo.Map(v.Messages, func(m store.Message, _ int) types.ChatMessage {
			return PresentMessage(m)
		}),
	}

	for _, team := range engine.Teams {
		summary := types.TeamSummary{
			Team:      string(team),
			Bans:      entities(s.Bans[team]),
			Picks:     entities(s.Picks[team]),
			BanQuota:  plan.BanQuota(team),
			PickQuota: plan.PickQuota(team),
		}
		if captain, ok := lo.Find(v.Participants, func(p store.Participant) bool {
			return p.Role == store.RoleCaptain && p.Team == team
		}); ok {
			summary.Captain = captain.Nickname
		}
		snap.Teams = append(snap.Teams, summary)
	}

	if step, ok := engine.CurrentTurn(s); ok && s.Started {
		snap.CurrentTurn = &types.Turn{Index: s.TurnIndex, Team: string(step.Team), Action: string(step.Action)}
		snap.TurnDeadline = s.TurnDeadline.UTC()
		snap.RemainingSec = clock.Remaining(s.TurnDeadline, now)
	}
	return snap
}

func PresentParticipant(p store.Participant) types.Participant {
	return types.Participant{ID: p.ID, Nickname: p.Nickname, Role: string(p.Role), Team: string(p.Team)}
}

func PresentMessage(m store.Message) types.ChatMessage {
	return types.ChatMessage{
		ID:             m.ID,
		SenderNickname: m.SenderNickname,
		SenderRole:     string(m.SenderRole),
		SenderTeam:     string(m.SenderTeam),
		Text:           m.Text,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}

// PresentRoster lists the whole catalog in its display order.
func PresentRoster(catalog *roster.Catalog) []types.Entity {
	return entities(catalog.All())
}

func entities(in []roster.Entity) []types.Entity {
	out := make([]types.Entity, 0, len(in))
	for _, e := range in {
		out = append(out, types.Entity{ID: e.ID, Name: e.Name, ImageRef: e.Image})
	}
	return out
}
