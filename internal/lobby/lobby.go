package lobby

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"

	"github.com/DoyleJ11/team-draft/internal/apperr"
	"github.com/DoyleJ11/team-draft/internal/clock"
	"github.com/DoyleJ11/team-draft/internal/draft"
	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/logging"
	"github.com/DoyleJ11/team-draft/internal/metrics"
	"github.com/DoyleJ11/team-draft/internal/store"
)

const (
	resolveTimeout = 5 * time.Second
	rearmDelay     = time.Second
)

// Source reads a room's rows and subscribes to its changes.
type Source interface {
	Load(ctx context.Context, room store.Room) (draft.View, error)
	Subscribe(ctx context.Context, roomID string) (*store.Subscription, error)
}

// Resolver auto-resolves a turn whose deadline has passed.
type Resolver interface {
	ResolveTimeout(ctx context.Context, room store.Room, turnIndex int) error
}

type Msg interface{ isLobbyMsg() }

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

// TimerFired is sent by the lobby's clock when TurnIndex's deadline passes.
type TimerFired struct{ TurnIndex int }

func (TimerFired) isLobbyMsg() {}

// rearm asks for the clock to fire again for a turn whose timeout could
// not be written.
type rearm struct{ TurnIndex int }

func (rearm) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan Status
}

func (GetState) isLobbyMsg() {}

// synced carries a fresh subscription and the rows read after it opened.
type synced struct {
	view draft.View
	sub  *store.Subscription
}

func (synced) isLobbyMsg() {}

type Snapshot struct {
	Version uint64
	View    draft.View
}

type Status struct {
	Version    uint64
	NumClients int
	Synced     bool
	View       draft.View
}

type Config struct {
	Room     store.Room
	Source   Source
	Resolver Resolver
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Clock    []clock.Option
	// OnClose runs after the lobby has stopped.
	OnClose func(*Lobby)
}

// Lobby is the per-process replica of one room. It keeps the last rows the
// store delivered, drives the room's turn clock and fans snapshots out to
// the clients connected to this process.
type Lobby struct {
	room     store.Room
	source   Source
	resolver Resolver
	logger   *logging.Logger
	metrics  *metrics.Metrics
	onClose  func(*Lobby)

	inbox   chan Msg
	view    draft.View
	synced  bool
	version uint64
	clients map[string]chan Snapshot
	pending map[string]chan Snapshot
	sub     *store.Subscription
	clock   *clock.Clock
	workers conc.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLobby(parent context.Context, cfg Config) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		room:     cfg.Room,
		source:   cfg.Source,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		onClose:  cfg.OnClose,
		inbox:    make(chan Msg, 64), // Small buffer
		clients:  make(map[string]chan Snapshot),
		pending:  make(map[string]chan Snapshot),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = logging.Default()
	}
	l.logger = l.logger.With("room", cfg.Room.Code)
	l.clock = clock.New(func(turn int) { l.Send(TimerFired{TurnIndex: turn}) }, cfg.Clock...)
	return l
}

func (l *Lobby) Room() store.Room { return l.room }

// Done is closed once the lobby has stopped.
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Send delivers m unless the lobby has stopped.
func (l *Lobby) Send(m Msg) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inbox <- m:
		return true
	case <-l.done:
		return false
	}
}

// Run processes messages until the lobby shuts down.
func (l *Lobby) Run() {
	l.metrics.LobbyOpened()
	l.workers.Go(l.resync)

	for {
		var notifications <-chan store.Notification
		if l.sub != nil {
			notifications = l.sub.C
		}

		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case n, ok := <-notifications:
			if !ok {
				// Dropped by the store, we may have missed changes.
				l.logger.Debug("subscription dropped, resyncing")
				l.sub = nil
				l.workers.Go(l.resync)
				break
			}
			l.apply(n)

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				l.metrics.ClientJoined()
				if !l.synced {
					l.pending[msg.ClientID] = msg.Outbox
					break
				}
				// Register client + send current snapshot immediately
				l.clients[msg.ClientID] = msg.Outbox
				l.deliver(msg.ClientID, msg.Outbox, l.snapshot())

			case Leave:
				_, joined := l.clients[msg.ClientID]
				_, waiting := l.pending[msg.ClientID]
				if joined || waiting {
					delete(l.clients, msg.ClientID)
					delete(l.pending, msg.ClientID)
					l.metrics.ClientLeft()
				}
				// A dropped client's Leave can be the last one.
				if len(l.clients)+len(l.pending) == 0 {
					l.logger.Debug("last client left")
					l.shutdown()
					return
				}

			case synced:
				l.sub = msg.sub
				l.synced = true
				l.view = msg.view
				l.version++
				for id, ch := range l.pending {
					l.clients[id] = ch
					delete(l.pending, id)
				}
				l.broadcast()
				l.syncClock()

			case TimerFired:
				if !l.synced || msg.TurnIndex != l.view.Draft.State.TurnIndex {
					break
				}
				l.resolveTimeout(msg.TurnIndex)

			case rearm:
				if !l.synced || msg.TurnIndex != l.view.Draft.State.TurnIndex {
					break
				}
				l.clock.Stop()
				l.syncClock()

			case GetState:
				// test-only: reflect internal state without data races
				msg.Reply <- Status{
					Version:    l.version,
					NumClients: len(l.clients) + len(l.pending),
					Synced:     l.synced,
					View:       l.view,
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

// apply replaces the local copy of whatever row n carries.
func (l *Lobby) apply(n store.Notification) {
	switch n.Kind {
	case store.DraftUpdated:
		if n.Draft == nil || n.Draft.Revision <= l.view.Draft.Revision {
			return
		}
		l.view.Draft = *n.Draft
		l.syncClock()

	case store.ParticipantJoined:
		if n.Participant == nil || lo.ContainsBy(l.view.Participants, func(p store.Participant) bool { return p.ID == n.Participant.ID }) {
			return
		}
		l.view.Participants = append(append([]store.Participant{}, l.view.Participants...), *n.Participant)

	case store.ParticipantsCleared:
		l.view.Participants = nil

	case store.MessagePosted:
		if n.Message == nil || lo.ContainsBy(l.view.Messages, func(m store.Message) bool { return m.ID == n.Message.ID }) {
			return
		}
		msgs := append(append([]store.Message{}, l.view.Messages...), *n.Message)
		if len(msgs) > draft.RecentMessages {
			msgs = msgs[len(msgs)-draft.RecentMessages:]
		}
		l.view.Messages = msgs

	default:
		return
	}

	l.version++
	l.broadcast()
}

// syncClock arms the clock for the current turn, or disarms it when no turn
// is running.
func (l *Lobby) syncClock() {
	s := l.view.Draft.State
	if s.Started && !engine.Complete(s) {
		l.clock.Observe(s.TurnIndex, s.TurnDeadline)
		return
	}
	l.clock.Stop()
}

func (l *Lobby) resolveTimeout(turn int) {
	room := l.room
	l.workers.Go(func() {
		ctx, cancel := context.WithTimeout(l.ctx, resolveTimeout)
		defer cancel()
		err := l.resolver.ResolveTimeout(ctx, room, turn)
		if err == nil || l.ctx.Err() != nil {
			return
		}
		l.logger.Warn("timeout resolution failed", "turn", turn, "error", err)

		// The write is conditional on the turn, so trying again cannot
		// resolve the turn twice.
		select {
		case <-time.After(rearmDelay):
			l.Send(rearm{TurnIndex: turn})
		case <-l.ctx.Done():
		}
	})
}

// resync subscribes, then reads the current rows, retrying with backoff
// until both succeed or the lobby stops. Subscribing first means nothing
// written after the read can be missed.
func (l *Lobby) resync() {
	op := func() (synced, error) {
		sub, err := l.source.Subscribe(l.ctx, l.room.ID)
		if err != nil {
			return synced{}, err
		}
		view, err := l.source.Load(l.ctx, l.room)
		if err != nil {
			sub.Close()
			if errors.Is(err, apperr.ErrNotFound) {
				return synced{}, backoff.Permanent(err)
			}
			return synced{}, err
		}
		return synced{view: view, sub: sub}, nil
	}

	msg, err := backoff.Retry(l.ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			l.logger.Warn("resync failed", "error", err, "retry_in", wait)
		}),
	)
	if err != nil {
		if l.ctx.Err() == nil {
			l.logger.Error("giving up on room", "error", err)
			l.cancel()
		}
		return
	}
	if !l.Send(msg) {
		msg.sub.Close()
	}
}

func (l *Lobby) snapshot() Snapshot {
	return Snapshot{Version: l.version, View: l.view}
}

func (l *Lobby) shutdown() {
	l.cancel()
	l.clock.Stop()
	if l.sub != nil {
		l.sub.Close()
		l.sub = nil
	}
	for id, ch := range l.clients {
		close(ch) // Tell client no more snapshots
		delete(l.clients, id)
		l.metrics.ClientLeft()
	}
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
		l.metrics.ClientLeft()
	}
	close(l.done)

	// Joins that raced the shutdown get their outbox closed too.
	for {
		select {
		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				close(msg.Outbox)
			case synced:
				msg.sub.Close()
			}
			continue
		default:
		}
		break
	}

	l.workers.Wait()
	l.metrics.LobbyClosed()
	if l.onClose != nil {
		l.onClose(l)
	}
}

func (l *Lobby) broadcast() {
	snap := l.snapshot()
	for id, ch := range l.clients {
		l.deliver(id, ch, snap)
	}
}

func (l *Lobby) deliver(id string, ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		//ok
	default:
		// Client is slow/full - drop them.
		close(ch)
		delete(l.clients, id)
		l.metrics.ClientDropped()
	}
}
