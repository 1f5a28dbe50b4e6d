package hub

import (
	"context"

	"github.com/sourcegraph/conc"

	"github.com/DoyleJ11/team-draft/internal/lobby"
	"github.com/DoyleJ11/team-draft/internal/store"
)

type HubMsg interface{ isHubMsg() }

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// EnsureLobby returns the live lobby for Room, starting one if there is none
// or the previous one has stopped.
type EnsureLobby struct {
	Room  store.Room
	Reply chan *lobby.Lobby
}

// RemoveLobby forgets Lobby if it is still the one registered for Code.
type RemoveLobby struct {
	Code  string
	Lobby *lobby.Lobby
}

type ShutdownHub struct{}

func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

// Hub owns the lobbies running in this process, keyed by room code.
type Hub struct {
	inbox    chan HubMsg
	lobbies  map[string]*lobby.Lobby
	template lobby.Config
	running  conc.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHub starts a hub. Every lobby it creates copies template, with Room and
// OnClose filled in.
func NewHub(parent context.Context, template lobby.Config) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		lobbies:  make(map[string]*lobby.Lobby),
		template: template,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Send(m HubMsg) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- m:
		return true
	case <-h.done:
		return false
	}
}

// Ensure returns a running lobby for room.
func (h *Hub) Ensure(ctx context.Context, room store.Room) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	if !h.Send(EnsureLobby{Room: room, Reply: reply}) {
		return nil, context.Canceled
	}
	select {
	case lb := <-reply:
		if lb == nil {
			return nil, context.Canceled
		}
		return lb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops every lobby and waits for them to finish.
func (h *Hub) Shutdown() {
	h.Send(ShutdownHub{})
	<-h.done
	h.running.Wait()
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.live(msg.Code) // May be nil

			case EnsureLobby:
				if lb := h.live(msg.Room.Code); lb != nil {
					msg.Reply <- lb
					break
				}
				msg.Reply <- h.spawn(msg.Room)

			case RemoveLobby:
				if h.lobbies[msg.Code] == msg.Lobby {
					delete(h.lobbies, msg.Code)
				}

			case ShutdownHub:
				// Lobbies run under h.ctx and stop with it.
				clear(h.lobbies)
				h.cancel()
				return
			}
		}
	}
}

// live returns the registered lobby for code if it has not stopped.
func (h *Hub) live(code string) *lobby.Lobby {
	lb := h.lobbies[code]
	if lb == nil {
		return nil
	}
	select {
	case <-lb.Done():
		delete(h.lobbies, code)
		return nil
	default:
		return lb
	}
}

func (h *Hub) spawn(room store.Room) *lobby.Lobby {
	cfg := h.template
	cfg.Room = room
	cfg.OnClose = func(l *lobby.Lobby) {
		h.Send(RemoveLobby{Code: room.Code, Lobby: l})
	}
	lb := lobby.NewLobby(h.ctx, cfg)
	h.lobbies[room.Code] = lb
	h.running.Go(lb.Run)
	return lb
}
