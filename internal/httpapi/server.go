// Package httpapi exposes the OpenAI-compatible gateway surface plus the
// management endpoints (load, unload, install, health, stats).
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lemond/internal/backend"
	"lemond/internal/router"
	"lemond/internal/telemetry"
	"lemond/pkg/types"
)

// Gateway routes requests to live backend instances.
type Gateway interface {
	Forward(ctx context.Context, modelID string, req backend.ForwardRequest) (backend.ForwardResult, error)
	Load(ctx context.Context, modelID string, o router.LoadOptions) (backend.Status, error)
	Unload(ctx context.Context, modelID string) error
	UnloadAll(ctx context.Context) error
	Loaded() []types.LoadedModel
	Limits() map[string]int
}

// Catalog resolves and lists models.
type Catalog interface {
	Get(id string) (types.Model, error)
	List() []types.Model
}

// Backends installs engines and reports their state.
type Backends interface {
	Install(ctx context.Context, name, variant string) (types.InstallResponse, error)
	Status() []types.BackendStatus
}

// Stats persists per-request telemetry.
type Stats interface {
	Add(ctx context.Context, r telemetry.Record) error
	Last(ctx context.Context) (telemetry.Record, error)
	Count(ctx context.Context) (int64, error)
}

// Events is the recent backend lifecycle history shown by /system-info.
type Events interface {
	Recent() []types.BackendEvent
}

// Deps are the collaborators behind the HTTP surface. Stats, Events and
// Ready are optional.
type Deps struct {
	Gateway  Gateway
	Models   Catalog
	Backends Backends
	Stats    Stats
	Events   Events
	// Ready gates /readyz; nil means always ready.
	Ready   func() bool
	Started time.Time
}

type server struct {
	Deps
}

// APIPrefixes are the mount points of the OpenAI-compatible routes.
var APIPrefixes = []string{"/api/v1", "/v1"}

// NewMux builds the HTTP handler.
func NewMux(deps Deps) http.Handler {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	s := &server{Deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(corsAllowedMethods, []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Authorization", "Content-Type"}),
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	for _, prefix := range APIPrefixes {
		r.Route(prefix, func(r chi.Router) {
			r.Post("/chat/completions", s.proxyJSON(backend.CapChat))
			r.Post("/completions", s.proxyJSON(backend.CapCompletions))
			r.Post("/embeddings", s.proxyJSON(backend.CapEmbeddings))
			r.Post("/rerank", s.proxyJSON(backend.CapRerank))
			r.Post("/reranking", s.proxyJSON(backend.CapRerank))
			r.Post("/responses", s.proxyJSON(backend.CapResponses))
			r.Post("/audio/speech", s.proxyJSON(backend.CapSpeech))
			r.Post("/audio/transcriptions", s.proxyMultipart(backend.CapTranscriptions))
			r.Post("/images/generations", s.proxyJSON(backend.CapImages))

			r.Get("/models", s.handleModels)
			r.Get("/models/{id}", s.handleModel)
			r.Post("/load", s.handleLoad)
			r.Post("/unload", s.handleUnload)
			r.Post("/install", s.handleInstall)
			r.Get("/health", s.handleHealth)
			r.Get("/stats", s.handleStats)
			r.Get("/system-info", s.handleSystemInfo)
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.Ready == nil || s.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, typeInvalidRequest, "not_found", "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, typeInvalidRequest, "method_not_allowed", r.Method+" not allowed on "+r.URL.Path)
	})
	return r
}

func orDefault(v, d []string) []string {
	if len(v) == 0 {
		return d
	}
	return v
}
