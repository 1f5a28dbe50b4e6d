// Package memory is a single-process Store. It backs development runs and
// tests, and gives the same conditional-write guarantees as the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	rooms        map[string]store.Room
	codes        map[string]string
	drafts       map[string]store.Draft
	participants map[string][]store.Participant
	messages     map[string][]store.Message
	broker       *store.Broker
	now          func() time.Time
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		rooms:        make(map[string]store.Room),
		codes:        make(map[string]string),
		drafts:       make(map[string]store.Draft),
		participants: make(map[string][]store.Participant),
		messages:     make(map[string][]store.Message),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = store.NewBroker(store.DefaultSubscriberBuffer)
	}
	return s
}

func (s *Store) CreateRoom(_ context.Context, room store.Room, initial engine.State) (store.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[room.Code]; ok {
		return store.Draft{}, errors.Wrapf(store.ErrCodeTaken, "%s", room.Code)
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	s.rooms[room.ID] = room
	s.codes[room.Code] = room.ID

	d := store.Draft{RoomID: room.ID, Revision: 1, State: initial.Clone(), UpdatedAt: room.CreatedAt}
	s.drafts[room.ID] = d
	return cloneDraft(d), nil
}

func (s *Store) RoomByCode(_ context.Context, code string) (store.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.codes[code]
	if !ok {
		return store.Room{}, errors.Wrapf(store.ErrNotFound, "room %s", code)
	}
	return s.rooms[id], nil
}

func (s *Store) CodeTaken(_ context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.codes[code]
	return ok, nil
}

func (s *Store) LoadDraft(_ context.Context, roomID string) (store.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drafts[roomID]
	if !ok {
		return store.Draft{}, errors.Wrapf(store.ErrNotFound, "draft for room %s", roomID)
	}
	return cloneDraft(d), nil
}

func (s *Store) SwapDraft(_ context.Context, expected store.Draft, next engine.State) (store.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.drafts[expected.RoomID]
	if !ok {
		return store.Draft{}, errors.Wrapf(store.ErrNotFound, "draft for room %s", expected.RoomID)
	}
	if current.Revision != expected.Revision || current.State.TurnIndex != expected.State.TurnIndex {
		return store.Draft{}, errors.Wrapf(store.ErrStaleWrite, "revision %d, stored %d", expected.Revision, current.Revision)
	}

	d := store.Draft{
		RoomID:    expected.RoomID,
		Revision:  current.Revision + 1,
		State:     next.Clone(),
		UpdatedAt: s.now(),
	}
	s.drafts[expected.RoomID] = d

	published := cloneDraft(d)
	s.broker.Publish(store.Notification{Kind: store.DraftUpdated, RoomID: d.RoomID, Draft: &published})
	return cloneDraft(d), nil
}

func (s *Store) AddParticipant(_ context.Context, p store.Participant) (store.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[p.RoomID]; !ok {
		return store.Participant{}, errors.Wrapf(store.ErrNotFound, "room %s", p.RoomID)
	}
	existing := s.participants[p.RoomID]
	if lo.ContainsBy(existing, func(o store.Participant) bool { return o.Nickname == p.Nickname }) {
		return store.Participant{}, errors.Wrapf(store.ErrNicknameTaken, "%s", p.Nickname)
	}
	if p.Role == store.RoleCaptain && lo.ContainsBy(existing, func(o store.Participant) bool {
		return o.Role == store.RoleCaptain && o.Team == p.Team
	}) {
		return store.Participant{}, errors.Wrapf(store.ErrCaptainTaken, "%s", p.Team)
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	s.participants[p.RoomID] = append(existing, p)

	published := p
	s.broker.Publish(store.Notification{Kind: store.ParticipantJoined, RoomID: p.RoomID, Participant: &published})
	return p, nil
}

func (s *Store) Participant(_ context.Context, roomID, id string) (store.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := lo.Find(s.participants[roomID], func(p store.Participant) bool { return p.ID == id })
	if !ok {
		return store.Participant{}, errors.Wrapf(store.ErrNotFound, "participant %s", id)
	}
	return p, nil
}

func (s *Store) Participants(_ context.Context, roomID string) ([]store.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Participant{}, s.participants[roomID]...), nil
}

func (s *Store) ClearParticipants(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.participants, roomID)
	s.broker.Publish(store.Notification{Kind: store.ParticipantsCleared, RoomID: roomID})
	return nil
}

func (s *Store) AddMessage(_ context.Context, m store.Message) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[m.RoomID]; !ok {
		return store.Message{}, errors.Wrapf(store.ErrNotFound, "room %s", m.RoomID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.messages[m.RoomID] = append(s.messages[m.RoomID], m)

	published := m
	s.broker.Publish(store.Notification{Kind: store.MessagePosted, RoomID: m.RoomID, Message: &published})
	return m, nil
}

func (s *Store) Messages(_ context.Context, roomID string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := append([]store.Message{}, s.messages[roomID]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *Store) Subscribe(ctx context.Context, roomID string) (*store.Subscription, error) {
	return s.broker.Subscribe(ctx, roomID)
}

// Broker exposes the fan-out so tests can force a resync.
func (s *Store) Broker() *store.Broker { return s.broker }

func (s *Store) Close() error {
	s.broker.Close()
	return nil
}

func cloneDraft(d store.Draft) store.Draft {
	d.State = d.State.Clone()
	return d
}
