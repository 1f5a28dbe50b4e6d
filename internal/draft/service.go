// Package draft coordinates rooms: it authorizes each request, runs the
// engine against the stored draft and commits the result with a conditional
// write so concurrent resolutions of one turn cannot both land.
package draft

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/DoyleJ11/team-draft/internal/apperr"
	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/logging"
	"github.com/DoyleJ11/team-draft/internal/membership"
	"github.com/DoyleJ11/team-draft/internal/metrics"
	"github.com/DoyleJ11/team-draft/internal/roster"
	"github.com/DoyleJ11/team-draft/internal/store"
)

const (
	DefaultCodeAttempts = 8
	RecentMessages      = 50
	MaxMessageLength    = 500
	MaxRoomNameLength   = 64
)

var (
	ErrNotYourTurn        = apperr.NotAuthorized(errors.New("it is not your team's turn"))
	ErrSpectatorForbidden = apperr.NotAuthorized(errors.New("only captains can do that"))
	ErrNotStarted         = apperr.Conflict(errors.New("draft has not started"))
	ErrUnknownEntity      = apperr.Validation(errors.New("unknown entity"))
	ErrInvalidAction      = apperr.Validation(errors.New("action must be ban or pick"))
	ErrEmptyRoomName      = apperr.Validation(errors.New("room name is required"))
	ErrRoomNameTooLong    = apperr.Validation(errors.Newf("room name longer than %d characters", MaxRoomNameLength))
	ErrEmptyMessage       = apperr.Validation(errors.New("message is empty"))
	ErrMessageTooLong     = apperr.Validation(errors.Newf("message longer than %d characters", MaxMessageLength))
	ErrCodesExhausted     = apperr.Transient(errors.New("could not find a free room code, try again"))
)

// Actor identifies the caller of a mutating request.
type Actor struct {
	ParticipantID string
	Token         string
}

// View is everything a client needs to render a room.
type View struct {
	Room         store.Room
	Draft        store.Draft
	Participants []store.Participant
	Messages     []store.Message
}

type Service struct {
	store        store.Store
	registry     *membership.Registry
	catalog      *roster.Catalog
	metrics      *metrics.Metrics
	logger       *logging.Logger
	now          func() time.Time
	codeAttempts int
	defaultMode  engine.Mode
	generateCode func() (string, error)
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *logging.Logger) Option { return func(s *Service) { s.logger = l } }

func WithNow(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithDefaultMode(mode engine.Mode) Option { return func(s *Service) { s.defaultMode = mode } }

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.generateCode = gen }
}

func WithCodeAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.codeAttempts = n
		}
	}
}

func NewService(st store.Store, catalog *roster.Catalog, opts ...Option) *Service {
	s := &Service{
		store:        st,
		registry:     membership.New(st),
		catalog:      catalog,
		logger:       logging.Default(),
		now:          time.Now,
		codeAttempts: DefaultCodeAttempts,
		defaultMode:  engine.Mode3v3,
		generateCode: GenerateCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Catalog() *roster.Catalog { return s.catalog }

// CreateRoom creates a room with a fresh, unused short code and an empty draft.
func (s *Service) CreateRoom(ctx context.Context, name string, mode engine.Mode) (store.Room, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return store.Room{}, ErrEmptyRoomName
	case utf8.RuneCountInString(name) > MaxRoomNameLength:
		return store.Room{}, ErrRoomNameTooLong
	}
	if mode == "" {
		mode = s.defaultMode
	}
	now := s.now()
	initial, err := engine.NewState(mode, now)
	if err != nil {
		return store.Room{}, err
	}

	for attempt := 0; attempt < s.codeAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return store.Room{}, errors.Wrap(err, "generate room code")
		}
		taken, err := s.store.CodeTaken(ctx, code)
		if err != nil {
			return store.Room{}, err
		}
		if taken {
			s.logger.Debug("room code collision, regenerating", "code", code)
			continue
		}

		room := store.Room{ID: uuid.NewString(), Code: code, Name: name, Mode: mode, CreatedAt: now}
		_, err = s.store.CreateRoom(ctx, room, initial)
		if errors.Is(err, store.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return store.Room{}, err
		}

		s.metrics.RoomCreated()
		s.logger.Info("room created", "room", code, "mode", mode)
		return room, nil
	}
	return store.Room{}, ErrCodesExhausted
}

func (s *Service) Room(ctx context.Context, code string) (store.Room, error) {
	return s.store.RoomByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

func (s *Service) Join(ctx context.Context, code, nickname string, role store.Role, team engine.Team) (store.Participant, error) {
	room, err := s.Room(ctx, code)
	if err != nil {
		return store.Participant{}, err
	}
	p, err := s.registry.Register(ctx, room.ID, nickname, role, team)
	if err != nil {
		return store.Participant{}, err
	}
	s.logger.Info("participant joined", "room", room.Code, "nickname", p.Nickname, "role", p.Role, "team", p.Team)
	return p, nil
}

// Authenticate resolves actor within the room identified by code.
func (s *Service) Authenticate(ctx context.Context, code string, actor Actor) (store.Room, store.Participant, error) {
	room, err := s.Room(ctx, code)
	if err != nil {
		return store.Room{}, store.Participant{}, err
	}
	p, err := s.registry.Authenticate(ctx, room.ID, actor.ParticipantID, actor.Token)
	if err != nil {
		return store.Room{}, store.Participant{}, err
	}
	return room, p, nil
}

// Start begins the turn sequence. Only captains may start.
func (s *Service) Start(ctx context.Context, code string, actor Actor) error {
	room, p, err := s.Authenticate(ctx, code, actor)
	if err != nil {
		return err
	}
	if p.Role != store.RoleCaptain {
		return ErrSpectatorForbidden
	}

	d, err := s.store.LoadDraft(ctx, room.ID)
	if err != nil {
		return err
	}
	events, next, err := engine.Apply(d.State, engine.Command{Type: engine.CmdStartDraft}, s.catalog, s.now())
	if err != nil {
		return err
	}
	return s.commit(ctx, room, d, next, events)
}

// Submit resolves the current turn for the caller's team. observedTurn is
// the turn index the caller saw when choosing entityID. An empty entityID
// resolves the turn with a random available entity.
func (s *Service) Submit(ctx context.Context, code string, actor Actor, action engine.Action, entityID string, observedTurn int) error {
	if !action.Valid() {
		return ErrInvalidAction
	}
	return s.submit(ctx, code, actor, action, entityID, observedTurn)
}

// SubmitRandom resolves the current turn with a random available entity,
// whichever action the turn calls for.
func (s *Service) SubmitRandom(ctx context.Context, code string, actor Actor, observedTurn int) error {
	return s.submit(ctx, code, actor, "", "", observedTurn)
}

func (s *Service) submit(ctx context.Context, code string, actor Actor, action engine.Action, entityID string, observedTurn int) error {
	room, p, err := s.Authenticate(ctx, code, actor)
	if err != nil {
		return err
	}
	if p.Role != store.RoleCaptain {
		return ErrSpectatorForbidden
	}

	cmd := engine.Command{Type: engine.CmdRandomSelect, Team: p.Team, Action: action, TurnIndex: observedTurn}
	if entityID != "" {
		entity, ok := s.catalog.Lookup(entityID)
		if !ok {
			return errors.Wrapf(ErrUnknownEntity, "%q", entityID)
		}
		cmd.Entity = entity
		cmd.Type = engine.CmdLockPick
		if action == engine.ActionBan {
			cmd.Type = engine.CmdBanEntity
		}
	}

	d, err := s.store.LoadDraft(ctx, room.ID)
	if err != nil {
		return err
	}
	if !d.State.Started {
		return ErrNotStarted
	}
	step, ok := engine.CurrentTurn(d.State)
	if !ok {
		return engine.ErrDraftComplete
	}
	if observedTurn != d.State.TurnIndex {
		return errors.Wrapf(engine.ErrStaleTurn, "turn %d, now at %d", observedTurn, d.State.TurnIndex)
	}
	if step.Team != p.Team {
		return ErrNotYourTurn
	}

	events, next, err := engine.Apply(d.State, cmd, s.catalog, s.now())
	if err != nil {
		return err
	}
	return s.commit(ctx, room, d, next, events)
}

// ResolveTimeout auto-resolves observedTurn once its deadline has passed.
// It needs no caller identity. Losing the race to a manual resolution or to
// another process's timeout is not an error.
func (s *Service) ResolveTimeout(ctx context.Context, room store.Room, observedTurn int) error {
	d, err := s.store.LoadDraft(ctx, room.ID)
	if err != nil {
		return err
	}
	now := s.now()
	if !d.State.Started || engine.Complete(d.State) || d.State.TurnIndex != observedTurn {
		return nil
	}
	if now.Before(d.State.TurnDeadline) {
		return nil
	}

	events, next, err := engine.Apply(d.State, engine.Command{Type: engine.CmdTimeoutAdvance, TurnIndex: observedTurn}, s.catalog, now)
	if err != nil {
		return err
	}
	err = s.commit(ctx, room, d, next, events)
	if errors.Is(err, engine.ErrStaleTurn) {
		s.logger.Debug("timeout lost to a concurrent resolution", "room", room.Code, "turn", observedTurn)
		return nil
	}
	return err
}

// Reset returns the room to an empty, unstarted draft and clears its
// participants. Any registered participant may reset. Once the draft is
// reset the call succeeds; a failure to clear participants is only logged
// and leaves them registered.
func (s *Service) Reset(ctx context.Context, code string, actor Actor) error {
	room, _, err := s.Authenticate(ctx, code, actor)
	if err != nil {
		return err
	}
	d, err := s.store.LoadDraft(ctx, room.ID)
	if err != nil {
		return err
	}
	events, next, err := engine.Apply(d.State, engine.Command{Type: engine.CmdResetDraft}, s.catalog, s.now())
	if err != nil {
		return err
	}
	if err := s.commit(ctx, room, d, next, events); err != nil {
		return err
	}
	if err := s.registry.Clear(ctx, room.ID); err != nil {
		s.logger.Warn("draft reset but participants kept", "room", room.Code, "error", err)
	}
	return nil
}

// Post adds a chat message from actor.
func (s *Service) Post(ctx context.Context, code string, actor Actor, text string) (store.Message, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return store.Message{}, ErrEmptyMessage
	case utf8.RuneCountInString(text) > MaxMessageLength:
		return store.Message{}, ErrMessageTooLong
	}

	room, p, err := s.Authenticate(ctx, code, actor)
	if err != nil {
		return store.Message{}, err
	}
	return s.store.AddMessage(ctx, store.Message{
		ID:             uuid.NewString(),
		RoomID:         room.ID,
		SenderNickname: p.Nickname,
		SenderRole:     p.Role,
		SenderTeam:     p.Team,
		Text:           text,
		CreatedAt:      s.now(),
	})
}

func (s *Service) Snapshot(ctx context.Context, code string) (View, error) {
	room, err := s.Room(ctx, code)
	if err != nil {
		return View{}, err
	}
	return s.Load(ctx, room)
}

// Load fetches the current rows for room. Lobbies call it on first
// subscribe and after every resubscribe.
func (s *Service) Load(ctx context.Context, room store.Room) (View, error) {
	d, err := s.store.LoadDraft(ctx, room.ID)
	if err != nil {
		return View{}, err
	}
	participants, err := s.store.Participants(ctx, room.ID)
	if err != nil {
		return View{}, err
	}
	messages, err := s.store.Messages(ctx, room.ID, RecentMessages)
	if err != nil {
		return View{}, err
	}
	return View{Room: room, Draft: d, Participants: participants, Messages: messages}, nil
}

func (s *Service) Subscribe(ctx context.Context, roomID string) (*store.Subscription, error) {
	return s.store.Subscribe(ctx, roomID)
}

// commit writes next only if the stored draft is still d. A lost race is
// reported as engine.ErrStaleTurn.
func (s *Service) commit(ctx context.Context, room store.Room, d store.Draft, next engine.State, events []engine.Event) error {
	if _, err := s.store.SwapDraft(ctx, d, next); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			s.metrics.StaleWrite()
			return errors.Mark(errors.Wrapf(err, "room %s", room.Code), engine.ErrStaleTurn)
		}
		return err
	}
	s.record(room, events)
	return nil
}

func (s *Service) record(room store.Room, events []engine.Event) {
	for _, evt := range events {
		switch evt.Type {
		case engine.EvtEntityPicked, engine.EvtEntityBanned:
			kind := "manual"
			if evt.Automatic {
				kind = "automatic"
			}
			s.metrics.TurnResolved(kind)
			s.logger.Info("turn resolved", "room", room.Code, "turn", evt.TurnIndex, "event", evt.Type,
				"team", evt.Team, "entity", evt.Entity.ID, "automatic", evt.Automatic)
		case engine.EvtTurnSkipped:
			s.metrics.TurnResolved("skipped")
			s.logger.Info("turn skipped", "room", room.Code, "turn", evt.TurnIndex, "team", evt.Team)
		case engine.EvtDraftStarted, engine.EvtDraftCompleted, engine.EvtDraftReset:
			s.logger.Info("draft "+strings.ToLower(strings.TrimPrefix(string(evt.Type), "Draft")), "room", room.Code)
		}
	}
}
