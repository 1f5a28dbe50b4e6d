package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/DoyleJ11/team-draft/internal/apperr"
	"github.com/DoyleJ11/team-draft/internal/draft"
	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/hub"
	"github.com/DoyleJ11/team-draft/internal/lobby"
	"github.com/DoyleJ11/team-draft/internal/logging"
	"github.com/DoyleJ11/team-draft/internal/membership"
	"github.com/DoyleJ11/team-draft/pkg/types"
)

type Options struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Buffer         int
	OriginPatterns []string
	Logger         *logging.Logger
	Now            func() time.Time
}

func (o *Options) defaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 8
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// joinAttempts bounds how often a client retries joining when the lobby it
// was handed stops in between.
const joinAttempts = 3

// Handler upgrades /ws?code=&participant=&token= to a room session.
// Spectators may connect without credentials to watch; every action needs
// a registered participant.
func Handler(svc *draft.Service, h *hub.Hub, opts Options) http.HandlerFunc {
	opts.defaults()

	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		room, err := svc.Room(r.Context(), code)
		if err != nil {
			http.Error(w, err.Error(), apperr.HTTPStatus(err))
			return
		}

		actor := draft.Actor{ParticipantID: q.Get("participant"), Token: q.Get("token")}
		if actor.ParticipantID != "" {
			if _, _, err := svc.Authenticate(r.Context(), room.Code, actor); err != nil {
				http.Error(w, err.Error(), apperr.HTTPStatus(err))
				return
			}
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		clientID := uuid.NewString()
		log := opts.Logger.With("room", room.Code, "client", clientID)
		out := make(chan lobby.Snapshot, opts.Buffer)

		var lb *lobby.Lobby
		for attempt := 0; attempt < joinAttempts && lb == nil; attempt++ {
			candidate, err := h.Ensure(ctx, room)
			if err != nil {
				_ = conn.Close(websocket.StatusTryAgainLater, "server shutting down")
				return
			}
			if candidate.Send(lobby.Join{ClientID: clientID, Outbox: out}) {
				lb = candidate
			}
		}
		if lb == nil {
			_ = conn.Close(websocket.StatusTryAgainLater, "room unavailable")
			return
		}
		defer lb.Send(lobby.Leave{ClientID: clientID})

		s := &session{
			conn:   conn,
			svc:    svc,
			code:   room.Code,
			actor:  actor,
			opts:   opts,
			log:    log,
			out:    out,
			errs:   make(chan types.ServerMessage, 4),
			lobby:  lb,
			cancel: cancel,
		}
		go s.writePump(ctx)
		s.readPump(ctx)
	}
}

type session struct {
	conn   *websocket.Conn
	svc    *draft.Service
	code   string
	actor  draft.Actor
	opts   Options
	log    *logging.Logger
	out    chan lobby.Snapshot
	errs   chan types.ServerMessage
	lobby  *lobby.Lobby
	cancel context.CancelFunc
}

// writePump is the only writer on the connection.
func (s *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		s.cancel()
	}()

	for {
		select {
		case snap, ok := <-s.out:
			if !ok {
				// Dropped as too slow or the lobby stopped; the client
				// reconnects and gets a fresh snapshot.
				_ = s.conn.Close(websocket.StatusTryAgainLater, "resync")
				return
			}
			present := draft.Present(snap.View, s.svc.Catalog(), snap.Version, s.opts.Now())
			if err := s.write(ctx, types.ServerMessage{Type: types.MsgStateSnapshot, Snapshot: &present}); err != nil {
				s.log.Debug("write snapshot", "error", err)
				return
			}

		case msg := <-s.errs:
			if err := s.write(ctx, msg); err != nil {
				s.log.Debug("write error", "error", err)
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.log.Debug("ping failed", "error", err)
				return
			}

		case <-s.lobby.Done():
			_ = s.conn.Close(websocket.StatusTryAgainLater, "resync")
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *session) write(ctx context.Context, msg types.ServerMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, msg)
}

func (s *session) readPump(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					s.log.Debug("read failed", "error", err)
				}
			}
			return
		}

		var cm types.ClientMessage
		if err := sonic.Unmarshal(data, &cm); err != nil {
			s.reject(apperr.Validation(errors.New("bad json")))
			continue
		}

		if err := s.dispatch(ctx, cm); err != nil {
			if errors.Is(err, engine.ErrStaleTurn) {
				// Lost a race; the winning state is already on its way.
				s.log.Debug("stale action dropped", "type", cm.Type, "turn", cm.TurnIndex)
				continue
			}
			s.reject(err)
		}
	}
}

func (s *session) dispatch(ctx context.Context, cm types.ClientMessage) error {
	if s.actor.ParticipantID == "" {
		return membership.ErrUnknownParticipant
	}
	switch cm.Type {
	case types.MsgStart:
		return s.svc.Start(ctx, s.code, s.actor)
	case types.MsgPick:
		return s.svc.Submit(ctx, s.code, s.actor, engine.ActionPick, cm.EntityID, cm.TurnIndex)
	case types.MsgBan:
		return s.svc.Submit(ctx, s.code, s.actor, engine.ActionBan, cm.EntityID, cm.TurnIndex)
	case types.MsgRandom:
		return s.svc.SubmitRandom(ctx, s.code, s.actor, cm.TurnIndex)
	case types.MsgReset:
		return s.svc.Reset(ctx, s.code, s.actor)
	case types.MsgChat:
		_, err := s.svc.Post(ctx, s.code, s.actor, cm.Text)
		return err
	default:
		return apperr.Validation(errors.Newf("unknown message type %q", cm.Type))
	}
}

// reject reports err to this client only.
func (s *session) reject(err error) {
	msg := types.ServerMessage{Type: types.MsgError, Error: ErrorBody(err)}
	select {
	case s.errs <- msg:
	default:
		s.log.Debug("error dropped, client not reading", "error", err)
	}
}

// ErrorBody renders err for clients. Unclassified errors hide their detail.
func ErrorBody(err error) *types.ErrorBody {
	code := apperr.Code(err)
	message := err.Error()
	if apperr.Kind(err) == nil {
		message = "internal error"
	}
	return &types.ErrorBody{Code: code, Message: message}
}
