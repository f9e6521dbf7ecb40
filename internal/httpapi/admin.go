package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lemond/internal/router"
	"lemond/internal/telemetry"
	"lemond/pkg/types"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		badRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func (s *server) modelObject(m types.Model) types.ModelObject {
	return types.ModelObject{
		ID:      m.ID,
		Object:  "model",
		Created: s.Started.Unix(),
		OwnedBy: "lemond",
		Recipe:  m.Recipe,
		Labels:  m.Labels,
	}
}

// @Summary List models
// @Tags models
// @Produce json
// @Success 200 {object} types.ModelsResponse
// @Router /api/v1/models [get]
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.Models.List()
	out := types.ModelsResponse{Object: "list", Data: make([]types.ModelObject, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, s.modelObject(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.Models.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.modelObject(m))
}

// @Summary Load a model
// @Tags models
// @Accept json
// @Produce json
// @Param body body types.LoadRequest true "model and overrides"
// @Success 200 {object} types.LoadResponse
// @Failure 400 {object} types.ErrorResponse
// @Failure 404 {object} types.ErrorResponse
// @Router /api/v1/load [post]
func (s *server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		badRequest(w, "model_name is required")
		return
	}
	ctx, cancel := forwardContext(r.Context())
	defer cancel()
	start := time.Now()
	st, err := s.Gateway.Load(ctx, req.Model, router.LoadOptions{Variant: req.Variant, Args: req.Args, CtxSize: req.CtxSize})
	if err != nil {
		zlog.Warn().Err(err).Str("model", req.Model).Msg("load failed")
		writeError(w, err)
		return
	}
	zlog.Info().Str("model", req.Model).Str("backend", st.Backend).Int("port", st.Port).Dur("dur", time.Since(start)).Msg("model loaded")
	writeJSON(w, http.StatusOK, types.LoadResponse{
		Status:  "success",
		Model:   req.Model,
		Backend: st.Backend,
		Variant: st.Variant,
		Port:    st.Port,
		PID:     st.PID,
	})
}

// @Summary Unload one model or all of them
// @Tags models
// @Accept json
// @Produce json
// @Param body body types.UnloadRequest false "model; empty unloads all"
// @Success 200 {object} types.StatusMessage
// @Router /api/v1/unload [post]
func (s *server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req types.UnloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := detached(r.Context())
	defer cancel()
	var err error
	if req.Model == "" {
		err = s.Gateway.UnloadAll(ctx)
	} else {
		err = s.Gateway.Unload(ctx, req.Model)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.StatusMessage{Status: "success"})
}

// @Summary Install a backend engine
// @Tags backends
// @Accept json
// @Produce json
// @Param body body types.InstallRequest true "backend and variant"
// @Success 200 {object} types.InstallResponse
// @Failure 500 {object} types.ErrorResponse
// @Router /api/v1/install [post]
func (s *server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req types.InstallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Backend) == "" {
		badRequest(w, "backend is required")
		return
	}
	ctx, cancel := installContext(r.Context())
	defer cancel()
	res, err := s.Backends.Install(ctx, req.Backend, req.Variant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// @Summary Gateway health and loaded models
// @Tags system
// @Produce json
// @Success 200 {object} types.HealthResponse
// @Router /api/v1/health [get]
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := s.Gateway.Loaded()
	out := types.HealthResponse{Status: "ok", AllModels: loaded, MaxModels: s.Gateway.Limits()}
	if len(loaded) > 0 {
		out.ModelLoaded = loaded[0].Model
	}
	writeJSON(w, http.StatusOK, out)
}

// @Summary Telemetry of the last completed request
// @Tags system
// @Produce json
// @Success 200 {object} types.StatsResponse
// @Router /api/v1/stats [get]
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	var out types.StatsResponse
	if s.Stats == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	last, err := s.Stats.Last(r.Context())
	switch {
	case errors.Is(err, telemetry.ErrEmpty):
	case err != nil:
		writeError(w, err)
		return
	default:
		out.Model = last.Model
		out.Endpoint = last.Endpoint
		out.Telemetry = last.Telemetry
		out.DurationMS = last.Duration.Milliseconds()
	}
	if n, err := s.Stats.Count(r.Context()); err == nil {
		out.Requests = n
	}
	writeJSON(w, http.StatusOK, out)
}

// @Summary Platform, backend install state and running processes
// @Tags system
// @Produce json
// @Success 200 {object} types.SystemInfoResponse
// @Router /api/v1/system-info [get]
func (s *server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	out := types.SystemInfoResponse{
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		Loaded:        s.Gateway.Loaded(),
		UptimeSeconds: int64(time.Since(s.Started).Seconds()),
	}
	if s.Backends != nil {
		out.Backends = s.Backends.Status()
	}
	if s.Events != nil {
		out.RecentEvents = s.Events.Recent()
	}
	writeJSON(w, http.StatusOK, out)
}
