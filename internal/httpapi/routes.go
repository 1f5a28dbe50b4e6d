package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DoyleJ11/team-draft/internal/draft"
	"github.com/DoyleJ11/team-draft/internal/hub"
	"github.com/DoyleJ11/team-draft/internal/logging"
	"github.com/DoyleJ11/team-draft/internal/metrics"
	"github.com/DoyleJ11/team-draft/internal/ws"
)

type Deps struct {
	Service *draft.Service
	Hub     *hub.Hub
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	WS      ws.Options
	Now     func() time.Time
}

func SetupRoutes(d Deps) http.Handler {
	h := NewHandler(d.Service, d.Logger, d.Now)
	if d.WS.Logger == nil {
		d.WS.Logger = h.logger
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Handle("/metrics", d.Metrics.Handler())
	r.Get("/roster", h.Roster)
	r.Get("/ws", ws.Handler(d.Service, d.Hub, d.WS))

	r.Route("/rooms", func(r chi.Router) {
		r.Post("/", h.CreateRoom)
		r.Route("/{code}", func(r chi.Router) {
			r.Get("/", h.GetRoom)
			r.Post("/participants", h.Join)

			// Require X-Participant-ID and X-Session-Token.
			r.Post("/start", h.Start)
			r.Post("/turns", h.Submit)
			r.Post("/reset", h.Reset)
			r.Post("/messages", h.Post)
		})
	})
	return r
}

func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
