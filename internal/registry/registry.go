// Package registry resolves client model names to local artifacts and the
// backend family that serves them.
package registry

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"lemond/pkg/types"
)

// Model types used for per-type load limits.
const (
	TypeLLM       = "llm"
	TypeEmbedding = "embedding"
	TypeReranking = "reranking"
	TypeAudio     = "audio"
	TypeImage     = "image"
)

// NotFoundError is returned for unknown model ids.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string     { return "model not found: " + e.ID }
func (e *NotFoundError) StatusCode() int   { return http.StatusNotFound }
func (e *NotFoundError) ErrorType() string { return "invalid_request_error" }
func (e *NotFoundError) ErrorCode() string { return "model_not_found" }

// TypeOf classifies a model for slot accounting.
func TypeOf(m types.Model) string {
	switch {
	case m.Recipe == "whispercpp" || m.Recipe == "kokoro":
		return TypeAudio
	case m.Recipe == "sdcpp":
		return TypeImage
	case m.HasLabel("embeddings"):
		return TypeEmbedding
	case m.HasLabel("reranking"):
		return TypeReranking
	default:
		return TypeLLM
	}
}

// Registry merges declared models with models found in a directory.
// Declared models win on id collisions.
type Registry struct {
	declared  []types.Model
	modelsDir string
	scanner   *GGUFScanner
	log       zerolog.Logger

	mu     sync.RWMutex
	models map[string]types.Model
}

// New builds a registry and performs the first scan.
func New(declared []types.Model, modelsDir string, logger *zerolog.Logger) *Registry {
	r := &Registry{declared: declared, modelsDir: modelsDir, scanner: NewGGUFScanner(), log: zerolog.Nop()}
	if logger != nil {
		r.log = logger.With().Str("component", "registry").Logger()
	}
	r.Refresh()
	return r
}

// Refresh rescans the models directory. A missing directory is not an error.
func (r *Registry) Refresh() {
	next := make(map[string]types.Model, len(r.declared))
	if r.modelsDir != "" {
		found, err := r.scanner.Scan(r.modelsDir)
		if err != nil {
			r.log.Debug().Err(err).Str("dir", r.modelsDir).Msg("models dir not scanned")
		}
		for _, m := range found {
			next[m.ID] = m
		}
	}
	for _, m := range r.declared {
		next[m.ID] = m
	}
	r.mu.Lock()
	r.models = next
	r.mu.Unlock()
	r.log.Debug().Int("count", len(next)).Msg("registry refreshed")
}

// Get resolves id. A miss rescans the models directory once, so files
// dropped in while the gateway runs become usable without a restart.
func (r *Registry) Get(id string) (types.Model, error) {
	if m, ok := r.lookup(id); ok {
		return m, nil
	}
	if r.modelsDir != "" {
		r.Refresh()
		if m, ok := r.lookup(id); ok {
			return m, nil
		}
	}
	return types.Model{}, &NotFoundError{ID: id}
}

func (r *Registry) lookup(id string) (types.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// List returns all models sorted by id.
func (r *Registry) List() []types.Model {
	r.mu.RLock()
	out := make([]types.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of known models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

func (r *Registry) String() string { return fmt.Sprintf("registry(%d models)", r.Len()) }
