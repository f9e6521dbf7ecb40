// Package backend implements the uniform lifecycle every inference engine
// family shares: install the required engine build, launch it on a private
// loopback port, wait for it to become healthy, relay requests to it and
// stop it again. Families differ only in release naming, command line,
// environment and the routes they serve.
package backend

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"lemond/internal/forward"
	"lemond/internal/install"
	"lemond/internal/supervisor"
	"lemond/pkg/types"
)

// DefaultHealthInterval is the polling period while waiting for readiness.
const DefaultHealthInterval = 500 * time.Millisecond

// Adapter is one engine instance. A fresh Adapter is created for every load
// and discarded after Unload.
type Adapter interface {
	Descriptor() Descriptor
	// Install reconciles the engine build for variant and returns the executable.
	Install(ctx context.Context, variant string) (string, error)
	Load(ctx context.Context, req LoadRequest) error
	// Unload is a no-op when nothing is loaded.
	Unload(ctx context.Context) error
	Forward(ctx context.Context, req ForwardRequest) (ForwardResult, error)
	Loaded() (Status, bool)
}

// Versions resolves the required engine version from the manifest.
type Versions interface {
	Version(backend, variant string) (string, bool)
}

// Env carries the collaborators every instance shares.
type Env struct {
	BinRoot  string
	Versions Versions
	// ReleaseMirror, e.g. s3://bucket/releases, replaces GitHub as the asset
	// source: <mirror>/<family>/<version>/<asset>.
	ReleaseMirror string
	Installer     *install.Installer
	Supervisor    supervisor.Supervisor
	Forwarder     *forward.Forwarder
	// HTTPClient is used for health checks.
	HTTPClient     *http.Client
	HealthInterval time.Duration
	// HealthTimeout overrides the family default when positive.
	HealthTimeout time.Duration
	PortHint      int
	// InheritOutput and FilterNoise are passed to the supervisor.
	InheritOutput bool
	FilterNoise   bool
	Publisher     EventPublisher
	Logger        *zerolog.Logger
	Getenv        func(string) string
	GOOS          string
	GOARCH        string
}

func (e Env) withDefaults() Env {
	if e.HTTPClient == nil {
		e.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
	if e.HealthInterval <= 0 {
		e.HealthInterval = DefaultHealthInterval
	}
	if e.Publisher == nil {
		e.Publisher = noopPublisher{}
	}
	if e.Getenv == nil {
		e.Getenv = os.Getenv
	}
	if e.GOOS == "" {
		e.GOOS = runtime.GOOS
	}
	if e.GOARCH == "" {
		e.GOARCH = runtime.GOARCH
	}
	if e.Forwarder == nil {
		e.Forwarder = forward.New(nil, e.Logger)
	}
	return e
}

// LoadRequest asks an instance to serve one model.
type LoadRequest struct {
	Model   types.Model
	Variant string
	CtxSize int
	// Args is the raw user passthrough string, validated against reserved flags.
	Args string
}

// ForwardRequest is one client call routed to this instance.
type ForwardRequest struct {
	Capability  Capability
	Body        []byte
	ContentType string
	// Stream selects SSE relay for streamable routes.
	Stream bool
	// Writer receives streamed or raw responses.
	Writer http.ResponseWriter
}

// ForwardResult is what the backend returned. Body is nil when the response
// was written directly to ForwardRequest.Writer.
type ForwardResult struct {
	Body      []byte
	Streamed  bool
	Telemetry types.Telemetry
}

// Status describes a loaded instance.
type Status struct {
	Backend  string
	Model    string
	Variant  string
	Port     int
	PID      int
	LoadedAt time.Time
	Handle   *supervisor.Handle
}
