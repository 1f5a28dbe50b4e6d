package engine

import (
	"time"

	"github.com/cockroachdb/errors"
)

type Mode string

const (
	Mode3v3 Mode = "3v3"
	Mode2v2 Mode = "2v2"
)

var order3v3 = []TurnStep{
	// Ban Phase 1
	{Team: TeamA, Action: ActionBan},
	{Team: TeamB, Action: ActionBan},
	{Team: TeamA, Action: ActionBan},
	{Team: TeamB, Action: ActionBan},
	// Pick Phase 1
	{Team: TeamA, Action: ActionPick},
	{Team: TeamB, Action: ActionPick},
	{Team: TeamB, Action: ActionPick},
	{Team: TeamA, Action: ActionPick},
	// Ban Phase 2
	{Team: TeamA, Action: ActionBan},
	{Team: TeamB, Action: ActionBan},
	// Pick Phase 2
	{Team: TeamA, Action: ActionPick},
	{Team: TeamB, Action: ActionPick},
}

var order2v2 = []TurnStep{
	// Ban Phase 1
	{Team: TeamA, Action: ActionBan},
	{Team: TeamB, Action: ActionBan},
	{Team: TeamA, Action: ActionBan},
	{Team: TeamB, Action: ActionBan},
	// Pick Phase 1
	{Team: TeamA, Action: ActionPick},
	{Team: TeamB, Action: ActionPick},
	// Ban Phase 2
	{Team: TeamA, Action: ActionBan},
	{Team: TeamB, Action: ActionBan},
	// Pick Phase 2
	{Team: TeamB, Action: ActionPick},
	{Team: TeamA, Action: ActionPick},
}

// Plan is the fixed turn order for a mode. Quotas are counted from the order
// rather than stored next to it.
type Plan struct {
	Mode  Mode
	order []TurnStep
}

func PlanFor(mode Mode) (Plan, error) {
	switch mode {
	case Mode3v3:
		return Plan{Mode: mode, order: order3v3}, nil
	case Mode2v2:
		return Plan{Mode: mode, order: order2v2}, nil
	default:
		return Plan{}, errors.Wrapf(ErrUnknownMode, "%q", mode)
	}
}

func (p Plan) Len() int { return len(p.order) }

func (p Plan) Step(i int) (TurnStep, bool) {
	if i < 0 || i >= len(p.order) {
		return TurnStep{}, false
	}
	return p.order[i], true
}

func (p Plan) BanQuota(team Team) int  { return p.count(team, ActionBan) }
func (p Plan) PickQuota(team Team) int { return p.count(team, ActionPick) }

func (p Plan) count(team Team, action Action) int {
	n := 0
	for _, step := range p.order {
		if step.Team == team && step.Action == action {
			n++
		}
	}
	return n
}

// TurnDuration is how long the turn at turnIndex stays open. The two opening
// bans get a longer window.
func TurnDuration(turnIndex int) time.Duration {
	if turnIndex == 0 || turnIndex == 1 {
		return 60 * time.Second
	}
	return 30 * time.Second
}
