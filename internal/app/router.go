package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/unclebandit/broadcast-dispatch/internal/controller"
	"github.com/unclebandit/broadcast-dispatch/internal/handler"
	"github.com/unclebandit/broadcast-dispatch/internal/httputil"
)

// Router builds the HTTP API.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.Log))
	r.Use(middleware.Recoverer)
	if limit := a.Config.Server.MaxBodyBytes; limit > 0 {
		r.Use(middleware.RequestSize(limit))
	}

	origins := a.Config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.Handler())

	ctrl := &controller.BroadcastController{BroadcastService: a.Service, CRM: a.CRM}
	if a.Config.Server.RunEngine {
		ctrl.Kick = a.Scheduler.Trigger
	}
	ctrl.Register(r)
	handler.NewReportHandler(a.Service).Register(r)
	return r
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.DB != nil {
		if err := a.DB.PingContext(ctx); err != nil {
			status["status"], status["database"] = "degraded", err.Error()
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			status["status"], status["redis"] = "degraded", err.Error()
		}
	}
	code := http.StatusOK
	if status["status"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, status)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
