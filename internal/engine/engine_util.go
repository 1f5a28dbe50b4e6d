package engine

import (
	"math/rand/v2"
	"time"

	"github.com/samber/lo"

	"github.com/DoyleJ11/team-draft/internal/roster"
)

func NewEmptyState(mode Mode) State {
	return State{
		Mode:  mode,
		Bans:  map[Team][]roster.Entity{TeamA: {}, TeamB: {}},
		Picks: map[Team][]roster.Entity{TeamA: {}, TeamB: {}},
		Log:   []LogEntry{},
	}
}

// NewState validates mode and returns a fresh, not yet started draft.
func NewState(mode Mode, now time.Time) (State, error) {
	if _, err := PlanFor(mode); err != nil {
		return State{}, err
	}
	s := NewEmptyState(mode)
	s.TurnDeadline = now.Add(TurnDuration(0))
	return s, nil
}

func (s State) Plan() Plan {
	p, _ := PlanFor(s.Mode)
	return p
}

func (s State) Clone() State {
	out := s
	out.Bans = cloneLists(s.Bans)
	out.Picks = cloneLists(s.Picks)
	out.Log = append([]LogEntry{}, s.Log...)
	return out
}

func cloneLists(in map[Team][]roster.Entity) map[Team][]roster.Entity {
	out := make(map[Team][]roster.Entity, len(Teams))
	for _, team := range Teams {
		out[team] = append([]roster.Entity{}, in[team]...)
	}
	return out
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// DerivePhase names the contiguous run of same-action turns the cursor is in.
func DerivePhase(s State) Phase {
	plan := s.Plan()
	if s.TurnIndex >= plan.Len() {
		return PhaseDone
	}

	bans, picks := 0, 0
	var prev Action
	for i := 0; i <= s.TurnIndex; i++ {
		step, _ := plan.Step(i)
		if step.Action != prev {
			if step.Action == ActionBan {
				bans++
			} else {
				picks++
			}
			prev = step.Action
		}
	}

	step, _ := plan.Step(s.TurnIndex)
	switch {
	case step.Action == ActionBan && bans == 1:
		return PhaseBan1
	case step.Action == ActionBan:
		return PhaseBan2
	case picks == 1:
		return PhasePick1
	default:
		return PhasePick2
	}
}

func isSelected(s State, id string) bool {
	byID := func(e roster.Entity) bool { return e.ID == id }
	for _, team := range Teams {
		if lo.ContainsBy(s.Bans[team], byID) || lo.ContainsBy(s.Picks[team], byID) {
			return true
		}
	}
	return false
}

func lastOf(list []roster.Entity) roster.Entity {
	if len(list) == 0 {
		return roster.Entity{}
	}
	return list[len(list)-1]
}

// chooseRandom picks an index in [0, n). Tests swap it for a deterministic one.
var chooseRandom = func(n int) int {
	return rand.IntN(n)
}
