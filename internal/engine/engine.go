package engine

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/DoyleJ11/team-draft/internal/apperr"
	"github.com/DoyleJ11/team-draft/internal/roster"
)

var ErrDraftComplete = apperr.Conflict(errors.New("draft already complete"))
var ErrAlreadySelected = apperr.Conflict(errors.New("entity already banned or picked"))
var ErrQuotaExceeded = apperr.Conflict(errors.New("team quota exceeded"))
var ErrWrongTurn = apperr.Conflict(errors.New("action does not match the current turn"))
var ErrStaleTurn = apperr.Conflict(errors.New("turn already resolved"))
var ErrAlreadyStarted = apperr.Conflict(errors.New("draft already started"))
var ErrNothingAvailable = apperr.Conflict(errors.New("no entity left to choose"))
var ErrUnknownMode = apperr.Validation(errors.New("unknown draft mode"))
var ErrUnsupportedCommand = apperr.Validation(errors.New("unsupported command"))

type Team string

const (
	TeamA Team = "Team 1"
	TeamB Team = "Team 2"
)

var Teams = []Team{TeamA, TeamB}

func (t Team) Valid() bool { return t == TeamA || t == TeamB }

type Action string

const (
	ActionBan  Action = "ban"
	ActionPick Action = "pick"
)

func (a Action) Valid() bool { return a == ActionBan || a == ActionPick }

type Phase string

const (
	PhaseBan1  Phase = "ban1"
	PhasePick1 Phase = "pick1"
	PhaseBan2  Phase = "ban2"
	PhasePick2 Phase = "pick2"
	PhaseDone  Phase = "done"
)

type TurnStep struct {
	Team   Team
	Action Action
}

// LogEntry records one resolved turn. A skipped turn has no entity.
type LogEntry struct {
	Team       Team   `json:"team"`
	Action     Action `json:"action"`
	EntityID   string `json:"entityId,omitempty"`
	EntityName string `json:"entityName,omitempty"`
	Automatic  bool   `json:"wasAutomatic"`
}

func (e LogEntry) Skipped() bool { return e.EntityID == "" }

func (e LogEntry) String() string {
	if e.Skipped() {
		return fmt.Sprintf("%s skipped a %s", e.Team, e.Action)
	}
	verb := "banned"
	if e.Action == ActionPick {
		verb = "picked"
	}
	if e.Automatic {
		verb = "auto-" + verb
	}
	return fmt.Sprintf("%s %s %s", e.Team, verb, e.EntityName)
}

// State is the authoritative draft record for one room. Functions in this
// package never mutate a State they are given.
type State struct {
	Mode         Mode
	Bans         map[Team][]roster.Entity
	Picks        map[Team][]roster.Entity
	TurnIndex    int
	TurnDeadline time.Time
	Started      bool
	Log          []LogEntry
}

type CommandType string

const (
	CmdStartDraft     CommandType = "StartDraft"
	CmdLockPick       CommandType = "LockPick"
	CmdBanEntity      CommandType = "BanEntity"
	CmdRandomSelect   CommandType = "RandomSelect"
	CmdTimeoutAdvance CommandType = "TimeoutAdvance"
	CmdResetDraft     CommandType = "ResetDraft"
)

/*
	CmdStartDraft     -> EvtDraftStarted
	CmdLockPick       -> EvtEntityPicked -> EvtTurnAdvanced [-> EvtDraftCompleted]
	CmdBanEntity      -> EvtEntityBanned -> EvtTurnAdvanced [-> EvtDraftCompleted]
	CmdRandomSelect   -> EvtEntityPicked|EvtEntityBanned -> EvtTurnAdvanced [-> EvtDraftCompleted]
	CmdTimeoutAdvance -> EvtEntityPicked|EvtEntityBanned|EvtTurnSkipped -> EvtTurnAdvanced [-> EvtDraftCompleted]
	CmdResetDraft     -> EvtDraftReset

	TurnIndex on a command is the turn the issuer saw when it decided. A command
	for any other turn is stale and rejected.
*/

type Command struct {
	Type      CommandType
	Team      Team
	Entity    roster.Entity
	TurnIndex int
	// Action, when set on a RandomSelect, must match the current step.
	Action Action
}

type EventType string

const (
	EvtDraftStarted   EventType = "DraftStarted"
	EvtEntityPicked   EventType = "EntityPicked"
	EvtEntityBanned   EventType = "EntityBanned"
	EvtTurnSkipped    EventType = "TurnSkipped"
	EvtTurnAdvanced   EventType = "TurnAdvanced"
	EvtDraftCompleted EventType = "DraftCompleted"
	EvtDraftReset     EventType = "DraftReset"
)

type Event struct {
	Type      EventType
	Team      Team
	Entity    roster.Entity
	Automatic bool
	TurnIndex int
}

func Apply(s State, cmd Command, catalog *roster.Catalog, now time.Time) ([]Event, State, error) {
	switch cmd.Type {
	case CmdStartDraft:
		next, err := Start(s, now)
		if err != nil {
			return nil, s, err
		}
		return []Event{{Type: EvtDraftStarted, TurnIndex: next.TurnIndex}}, next, nil

	case CmdResetDraft:
		return []Event{{Type: EvtDraftReset}}, Reset(s, now), nil

	case CmdLockPick, CmdBanEntity:
		step, ok := CurrentTurn(s)
		if !ok {
			return nil, s, ErrDraftComplete
		}
		if cmd.TurnIndex != s.TurnIndex {
			return nil, s, errors.Wrapf(ErrStaleTurn, "turn %d, now at %d", cmd.TurnIndex, s.TurnIndex)
		}

		// Turn must match BOTH team & action
		want := ActionPick
		if cmd.Type == CmdBanEntity {
			want = ActionBan
		}
		if step.Team != cmd.Team || step.Action != want {
			return nil, s, ErrWrongTurn
		}

		next, err := ResolveTurn(s, cmd.Entity, false, now)
		if err != nil {
			return nil, s, err
		}
		return resolvedEvents(s, next), next, nil

	case CmdRandomSelect:
		step, ok := CurrentTurn(s)
		if !ok {
			return nil, s, ErrDraftComplete
		}
		if cmd.TurnIndex != s.TurnIndex {
			return nil, s, errors.Wrapf(ErrStaleTurn, "turn %d, now at %d", cmd.TurnIndex, s.TurnIndex)
		}
		if step.Team != cmd.Team || (cmd.Action != "" && step.Action != cmd.Action) {
			return nil, s, ErrWrongTurn
		}

		next, err := ResolveRandom(s, catalog, now)
		if err != nil {
			return nil, s, err
		}
		return resolvedEvents(s, next), next, nil

	case CmdTimeoutAdvance:
		if _, ok := CurrentTurn(s); !ok {
			return nil, s, ErrDraftComplete
		}
		if cmd.TurnIndex != s.TurnIndex {
			return nil, s, errors.Wrapf(ErrStaleTurn, "turn %d, now at %d", cmd.TurnIndex, s.TurnIndex)
		}
		next := ResolveTimeout(s, catalog, now)
		return resolvedEvents(s, next), next, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// resolvedEvents describes the single turn that separates prev from next.
func resolvedEvents(prev, next State) []Event {
	entry := next.Log[len(next.Log)-1]
	evt := Event{Team: entry.Team, Automatic: entry.Automatic, TurnIndex: prev.TurnIndex}
	switch {
	case entry.Skipped():
		evt.Type = EvtTurnSkipped
	case entry.Action == ActionPick:
		evt.Type = EvtEntityPicked
		evt.Entity = lastOf(next.Picks[entry.Team])
	default:
		evt.Type = EvtEntityBanned
		evt.Entity = lastOf(next.Bans[entry.Team])
	}

	events := []Event{evt, {Type: EvtTurnAdvanced, TurnIndex: next.TurnIndex}}
	if Complete(next) {
		events = append(events, Event{Type: EvtDraftCompleted, TurnIndex: next.TurnIndex})
	}
	return events
}

func CurrentTurn(s State) (TurnStep, bool) {
	return s.Plan().Step(s.TurnIndex)
}

func Complete(s State) bool {
	return s.TurnIndex >= s.Plan().Len()
}

// Available lists catalog entities nobody has banned or picked, in catalog order.
func Available(s State, catalog *roster.Catalog) []roster.Entity {
	out := make([]roster.Entity, 0, catalog.Len())
	for _, e := range catalog.All() {
		if !isSelected(s, e.ID) {
			out = append(out, e)
		}
	}
	return out
}

func Start(s State, now time.Time) (State, error) {
	if s.Started {
		return s, ErrAlreadyStarted
	}
	if Complete(s) {
		return s, ErrDraftComplete
	}
	next := s.Clone()
	next.Started = true
	next.TurnDeadline = now.Add(TurnDuration(next.TurnIndex))
	return next, nil
}

// ResolveTurn records entity for the current turn and moves to the next one.
// The returned deadline belongs to the next turn.
func ResolveTurn(s State, entity roster.Entity, automatic bool, now time.Time) (State, error) {
	step, ok := CurrentTurn(s)
	if !ok {
		return s, ErrDraftComplete
	}
	if isSelected(s, entity.ID) {
		return s, errors.Wrapf(ErrAlreadySelected, "%s", entity.Name)
	}

	plan := s.Plan()
	next := s.Clone()
	switch step.Action {
	case ActionBan:
		if len(next.Bans[step.Team]) >= plan.BanQuota(step.Team) {
			return s, errors.Wrapf(ErrQuotaExceeded, "%s bans", step.Team)
		}
		next.Bans[step.Team] = append(next.Bans[step.Team], entity)
	case ActionPick:
		if len(next.Picks[step.Team]) >= plan.PickQuota(step.Team) {
			return s, errors.Wrapf(ErrQuotaExceeded, "%s picks", step.Team)
		}
		next.Picks[step.Team] = append(next.Picks[step.Team], entity)
	}

	next.Log = append(next.Log, LogEntry{
		Team:       step.Team,
		Action:     step.Action,
		EntityID:   entity.ID,
		EntityName: entity.Name,
		Automatic:  automatic,
	})
	next.advance(now)
	return next, nil
}

// ResolveTimeout resolves the current turn with a random available entity.
// With nothing left to choose, the turn is skipped so the draft cannot stall.
func ResolveTimeout(s State, catalog *roster.Catalog, now time.Time) State {
	step, ok := CurrentTurn(s)
	if !ok {
		return s
	}

	if next, err := ResolveRandom(s, catalog, now); err == nil {
		return next
	}

	next := s.Clone()
	next.Log = append(next.Log, LogEntry{Team: step.Team, Action: step.Action, Automatic: true})
	next.advance(now)
	return next
}

// ResolveRandom resolves the current turn with a uniformly random available
// entity. The log marks it automatic.
func ResolveRandom(s State, catalog *roster.Catalog, now time.Time) (State, error) {
	available := Available(s, catalog)
	if len(available) == 0 {
		return s, ErrNothingAvailable
	}
	return ResolveTurn(s, available[chooseRandom(len(available))], true, now)
}

// Reset returns the initial state for the same mode.
func Reset(s State, now time.Time) State {
	next := NewEmptyState(s.Mode)
	next.TurnDeadline = now.Add(TurnDuration(0))
	return next
}

func (s *State) advance(now time.Time) {
	s.TurnIndex++
	if Complete(*s) {
		s.TurnDeadline = time.Time{}
		return
	}
	s.TurnDeadline = now.Add(TurnDuration(s.TurnIndex))
}
