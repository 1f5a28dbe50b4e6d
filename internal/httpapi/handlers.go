package httpapi

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/DoyleJ11/team-draft/internal/apperr"
	"github.com/DoyleJ11/team-draft/internal/draft"
	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/logging"
	"github.com/DoyleJ11/team-draft/internal/store"
	"github.com/DoyleJ11/team-draft/internal/ws"
	"github.com/DoyleJ11/team-draft/pkg/types"
)

const (
	HeaderParticipant = "X-Participant-ID"
	HeaderToken       = "X-Session-Token"
)

type Handler struct {
	svc       *draft.Service
	logger    *logging.Logger
	validator *validator.Validate
	now       func() time.Time
}

func NewHandler(svc *draft.Service, logger *logging.Logger, now func() time.Time) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Handler{
		svc:       svc,
		logger:    logger,
		validator: validator.New(),
		now:       now,
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Roster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, draft.PresentRoster(h.svc.Catalog()))
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req types.CreateRoomRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	room, err := h.svc.CreateRoom(r.Context(), req.Name, engine.Mode(req.Mode))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, types.CreateRoomResponse{
		Code: room.Code,
		Name: room.Name,
		Mode: string(room.Mode),
	})
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Snapshot(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft.Present(view, h.svc.Catalog(), 0, h.now()))
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req types.JoinRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.svc.Join(r.Context(), chi.URLParam(r, "code"), req.Nickname, store.Role(req.Role), engine.Team(req.Team))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, types.JoinResponse{
		Participant: draft.PresentParticipant(p),
		Token:       p.Token,
	})
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Start(r.Context(), chi.URLParam(r, "code"), actorFrom(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req types.TurnRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	err := h.svc.Submit(r.Context(), chi.URLParam(r, "code"), actorFrom(r),
		engine.Action(req.Action), req.EntityID, *req.TurnIndex)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reset(r.Context(), chi.URLParam(r, "code"), actorFrom(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	msg, err := h.svc.Post(r.Context(), chi.URLParam(r, "code"), actorFrom(r), req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, draft.PresentMessage(msg))
}

func actorFrom(r *http.Request) draft.Actor {
	return draft.Actor{
		ParticipantID: r.Header.Get(HeaderParticipant),
		Token:         r.Header.Get(HeaderToken),
	}
}

func (h *Handler) decode(r *http.Request, dst any) error {
	decoder := sonic.ConfigDefault.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return apperr.Validation(errors.Wrap(err, "invalid JSON payload"))
	}
	if err := h.validator.StructCtx(r.Context(), dst); err != nil {
		return apperr.Validation(errors.Wrap(err, "validation failed"))
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ws.ErrorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(payload)
}
