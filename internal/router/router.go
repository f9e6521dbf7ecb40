// Package router maps model names to live backend instances. It owns the
// per-type limit on loaded models, evicts the least recently used idle
// instance when a slot is needed and collapses concurrent loads of the same
// model into one.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"lemond/internal/backend"
	"lemond/internal/registry"
	"lemond/pkg/types"
)

// Models resolves model ids.
type Models interface {
	Get(id string) (types.Model, error)
}

// Factory creates a fresh adapter instance for a backend family.
type Factory func(recipe string) (backend.Adapter, error)

// Defaults are per-family load settings from configuration.
type Defaults struct {
	Variant string
	Args    string
	CtxSize int
}

// LoadOptions override Defaults for an explicit load.
type LoadOptions struct {
	Variant string
	Args    string
	CtxSize int
}

// BusyError means every slot of the model's type is serving requests.
type BusyError struct {
	Type  string
	Limit int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("all %d %s slot(s) are busy; retry later", e.Limit, e.Type)
}
func (e *BusyError) StatusCode() int   { return http.StatusServiceUnavailable }
func (e *BusyError) ErrorType() string { return "backend_unavailable" }

// IsBusy reports whether err is a slot exhaustion.
func IsBusy(err error) bool {
	var b *BusyError
	return errors.As(err, &b)
}

type slot struct {
	model    types.Model
	typ      string
	opts     LoadOptions
	adapter  backend.Adapter
	lastUsed time.Time
	inflight int
}

// Options configure a Router.
type Options struct {
	// Limits caps loaded models per type; missing types default to 1.
	Limits   map[string]int
	Defaults map[string]Defaults
	// MaxConcurrentLoads bounds simultaneous process launches (default 1).
	MaxConcurrentLoads int64
	Logger             *zerolog.Logger
	Now                func() time.Time
}

// Router is safe for concurrent use.
type Router struct {
	models   Models
	factory  Factory
	limits   map[string]int
	defaults map[string]Defaults
	loads    *semaphore.Weighted
	sf       singleflight.Group
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
	// loads in flight per type; they count against the limit
	pending map[string]int
}

// New builds a Router.
func New(models Models, factory Factory, opts Options) *Router {
	r := &Router{
		models:   models,
		factory:  factory,
		limits:   opts.Limits,
		defaults: opts.Defaults,
		log:      zerolog.Nop(),
		now:      opts.Now,
		slots:    make(map[string]*slot),
		pending:  make(map[string]int),
	}
	n := opts.MaxConcurrentLoads
	if n <= 0 {
		n = 1
	}
	r.loads = semaphore.NewWeighted(n)
	if opts.Logger != nil {
		r.log = opts.Logger.With().Str("component", "router").Logger()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Router) limit(typ string) int {
	if n := r.limits[typ]; n > 0 {
		return n
	}
	return 1
}

func (r *Router) optionsFor(m types.Model, o *LoadOptions) LoadOptions {
	d := r.defaults[m.Recipe]
	out := LoadOptions{Variant: d.Variant, Args: d.Args, CtxSize: d.CtxSize}
	if o != nil {
		if o.Variant != "" {
			out.Variant = o.Variant
		}
		if o.Args != "" {
			out.Args = o.Args
		}
		if o.CtxSize > 0 {
			out.CtxSize = o.CtxSize
		}
	}
	return out
}

// Load makes sure modelID is loaded with the given options. An instance
// loaded with different options is replaced.
func (r *Router) Load(ctx context.Context, modelID string, o LoadOptions) (backend.Status, error) {
	m, err := r.models.Get(modelID)
	if err != nil {
		return backend.Status{}, err
	}
	want := r.optionsFor(m, &o)

	r.mu.Lock()
	s := r.slots[modelID]
	if s != nil && s.opts != want {
		delete(r.slots, modelID)
		r.mu.Unlock()
		r.log.Info().Str("model", modelID).Msg("reloading with new options")
		if err := s.adapter.Unload(ctx); err != nil {
			return backend.Status{}, err
		}
	} else {
		r.mu.Unlock()
	}

	s, err = r.ensure(ctx, m, want)
	if err != nil {
		return backend.Status{}, err
	}
	st, _ := s.adapter.Loaded()
	return st, nil
}

// ensure returns the slot for m, loading it once even under concurrent
// callers. The load itself is detached from any single caller's
// cancellation since other requests may be waiting on it.
func (r *Router) ensure(ctx context.Context, m types.Model, opts LoadOptions) (*slot, error) {
	r.mu.Lock()
	if s, ok := r.slots[m.ID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	ch := r.sf.DoChan(m.ID, func() (any, error) {
		return r.load(context.WithoutCancel(ctx), m, opts)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*slot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) load(ctx context.Context, m types.Model, opts LoadOptions) (*slot, error) {
	r.mu.Lock()
	if s, ok := r.slots[m.ID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	if err := r.loads.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.loads.Release(1)

	typ := registry.TypeOf(m)
	if err := r.makeRoom(ctx, typ); err != nil {
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			r.pending[typ]--
			released = true
		}
	}
	defer func() {
		r.mu.Lock()
		release()
		r.mu.Unlock()
	}()

	a, err := r.factory(m.Recipe)
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("model", m.ID).Str("recipe", m.Recipe).Str("type", typ).Msg("loading model")
	if err := a.Load(ctx, backend.LoadRequest{Model: m, Variant: opts.Variant, CtxSize: opts.CtxSize, Args: opts.Args}); err != nil {
		return nil, err
	}
	s := &slot{model: m, typ: typ, opts: opts, adapter: a, lastUsed: r.now()}
	r.mu.Lock()
	// the reservation turns into the slot atomically
	release()
	r.slots[m.ID] = s
	r.mu.Unlock()
	return s, nil
}

// makeRoom evicts least recently used idle instances of typ until a slot
// is free, then reserves it. The caller must release the reservation.
func (r *Router) makeRoom(ctx context.Context, typ string) error {
	limit := r.limit(typ)
	for {
		r.mu.Lock()
		var (
			count  = r.pending[typ]
			victim *slot
		)
		for _, s := range r.slots {
			if s.typ != typ {
				continue
			}
			count++
			if s.inflight == 0 && (victim == nil || s.lastUsed.Before(victim.lastUsed)) {
				victim = s
			}
		}
		if count < limit {
			r.pending[typ]++
			r.mu.Unlock()
			return nil
		}
		if victim == nil {
			r.mu.Unlock()
			return &BusyError{Type: typ, Limit: limit}
		}
		delete(r.slots, victim.model.ID)
		r.mu.Unlock()

		r.log.Info().Str("model", victim.model.ID).Str("type", typ).Msg("evicting least recently used model")
		if err := victim.adapter.Unload(ctx); err != nil {
			r.log.Error().Err(err).Str("model", victim.model.ID).Msg("evict")
		}
	}
}

// Forward routes req to modelID, loading it first if needed. A crashed
// backend is dropped so the next request starts a fresh instance.
func (r *Router) Forward(ctx context.Context, modelID string, req backend.ForwardRequest) (backend.ForwardResult, error) {
	m, err := r.models.Get(modelID)
	if err != nil {
		return backend.ForwardResult{}, err
	}
	if d, ok := backend.Lookup(m.Recipe); ok && !d.Supports(req.Capability) {
		return backend.ForwardResult{}, &backend.UnsupportedOperationError{Backend: m.Recipe, Capability: req.Capability}
	}

	var s *slot
	for {
		s, err = r.ensure(ctx, m, r.optionsFor(m, nil))
		if err != nil {
			return backend.ForwardResult{}, err
		}
		r.mu.Lock()
		// the slot may have been evicted between ensure and here
		if r.slots[m.ID] == s {
			s.inflight++
			s.lastUsed = r.now()
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()
	}
	defer func() {
		r.mu.Lock()
		s.inflight--
		s.lastUsed = r.now()
		r.mu.Unlock()
	}()

	res, err := s.adapter.Forward(ctx, req)
	if backend.IsCrashed(err) {
		r.drop(s)
	}
	return res, err
}

func (r *Router) drop(s *slot) {
	r.mu.Lock()
	if r.slots[s.model.ID] == s {
		delete(r.slots, s.model.ID)
	}
	r.mu.Unlock()
	go func() {
		if err := s.adapter.Unload(context.Background()); err != nil {
			r.log.Error().Err(err).Str("model", s.model.ID).Msg("cleanup after crash")
		}
	}()
}

// Unload stops modelID. Unknown or unloaded models are a no-op.
func (r *Router) Unload(ctx context.Context, modelID string) error {
	r.mu.Lock()
	s, ok := r.slots[modelID]
	delete(r.slots, modelID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.adapter.Unload(ctx)
}

// UnloadAll stops every instance; used on shutdown.
func (r *Router) UnloadAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*slot, 0, len(r.slots))
	for id, s := range r.slots {
		all = append(all, s)
		delete(r.slots, id)
	}
	r.mu.Unlock()
	var errs []error
	for _, s := range all {
		if err := s.adapter.Unload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.model.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Loaded lists live instances, most recently used first.
func (r *Router) Loaded() []types.LoadedModel {
	// lastUsed is written under r.mu by Forward; copy it out with the slot
	type seen struct {
		s        *slot
		lastUsed time.Time
	}
	r.mu.Lock()
	slots := make([]seen, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, seen{s: s, lastUsed: s.lastUsed})
	}
	r.mu.Unlock()
	sort.Slice(slots, func(i, j int) bool { return slots[i].lastUsed.After(slots[j].lastUsed) })

	out := make([]types.LoadedModel, 0, len(slots))
	for _, e := range slots {
		s := e.s
		st, ok := s.adapter.Loaded()
		if !ok {
			continue
		}
		lm := types.LoadedModel{
			Model:    s.model.ID,
			Recipe:   s.model.Recipe,
			Type:     s.typ,
			Port:     st.Port,
			PID:      st.PID,
			Variant:  st.Variant,
			LastUsed: e.lastUsed.Unix(),
		}
		if st.Handle != nil {
			if ps, err := st.Handle.Stats(); err == nil {
				lm.RSSBytes = ps.RSSBytes
			}
		}
		out = append(out, lm)
	}
	return out
}

// Limits returns the effective per-type limits.
func (r *Router) Limits() map[string]int {
	out := map[string]int{}
	for _, t := range []string{registry.TypeLLM, registry.TypeEmbedding, registry.TypeReranking, registry.TypeAudio, registry.TypeImage} {
		out[t] = r.limit(t)
	}
	return out
}
