package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"lemond/internal/common/fsutil"
	"lemond/internal/forward"
	"lemond/internal/install"
	"lemond/internal/observability"
	"lemond/internal/retry"
	"lemond/internal/supervisor"
)

// server is the shared lifecycle behind every family.
type server struct {
	fam *family
	env Env
	log zerolog.Logger

	// mu is held exclusively across load/unload and shared by forwards.
	mu       sync.RWMutex
	handle   *supervisor.Handle
	port     int
	model    string
	variant  string
	loadedAt time.Time
	used     bool
}

var _ Adapter = (*server)(nil)

func newServer(f *family, env Env) *server {
	env = env.withDefaults()
	l := zerolog.Nop()
	if env.Logger != nil {
		l = env.Logger.With().Str("backend", f.desc.Name).Logger()
	}
	return &server{fam: f, env: env, log: l}
}

func (s *server) Descriptor() Descriptor { return s.fam.desc }

func (s *server) requiredVersion(variant string) (string, error) {
	d := s.fam.desc
	if s.env.Versions != nil {
		if v, ok := s.env.Versions.Version(d.Name, variant); ok && v != "" {
			return v, nil
		}
	}
	if d.LegacyDefaultVersion != "" {
		s.log.Warn().Str("version", d.LegacyDefaultVersion).Msg("no manifest entry; using legacy default version")
		return d.LegacyDefaultVersion, nil
	}
	key := d.Name
	if d.MultiVariant() {
		key += "." + variant
	}
	return "", &ConfigError{Backend: d.Name, Msg: "versions manifest has no entry for " + key}
}

// Install resolves the required version and reconciles the install
// directory. A valid override executable skips everything else.
func (s *server) Install(ctx context.Context, variant string) (string, error) {
	d := s.fam.desc
	override := ""
	if d.OverrideEnv != "" {
		override = strings.TrimSpace(s.env.Getenv(d.OverrideEnv))
	}
	if override != "" && fsutil.IsRegularFile(override) {
		s.log.Info().Str("path", override).Str("env", d.OverrideEnv).Msg("using external executable")
		return override, nil
	}

	variant, err := d.ResolveVariant(variant)
	if err != nil {
		return "", err
	}
	version, err := s.requiredVersion(variant)
	if err != nil {
		return "", err
	}
	asset, err := d.Asset(version, variant, s.env.GOOS, s.env.GOARCH)
	if err != nil {
		return "", err
	}
	if s.env.Installer == nil {
		return "", &ConfigError{Backend: d.Name, Msg: "no installer configured"}
	}
	res, err := s.env.Installer.Ensure(ctx, s.installRequest(variant, version, asset, override))
	if err != nil {
		return "", &InstallError{Backend: d.Name, Err: err}
	}
	if res.Installed {
		s.env.Publisher.Publish(Event{Name: "installed", Backend: d.Name, Fields: map[string]any{"version": version, "variant": variant}})
	}
	return res.Executable, nil
}

func (s *server) installRequest(variant, version, asset, override string) install.Request {
	d := s.fam.desc
	return install.Request{
		Name:         d.Name,
		Dir:          filepath.Join(s.env.BinRoot, d.Name, variant),
		Version:      version,
		Variant:      variant,
		MultiVariant: d.MultiVariant(),
		URL:          s.assetURL(version, asset),
		ArchiveName:  asset,
		Candidates:   d.Candidates(),
		Override:     override,
		Progress:     s.progressLogger(),
	}
}

func (s *server) assetURL(version, asset string) string {
	if m := strings.TrimRight(s.env.ReleaseMirror, "/"); m != "" {
		return m + "/" + s.fam.desc.Name + "/" + version + "/" + asset
	}
	return s.fam.desc.DownloadURL(version, asset)
}

func (s *server) progressLogger() func(done, total int64) {
	var last time.Time
	return func(done, total int64) {
		if time.Since(last) < 2*time.Second && done != total {
			return
		}
		last = time.Now()
		s.log.Debug().Int64("bytes", done).Int64("total", total).Msg("download progress")
	}
}

// Load installs if needed, launches the engine and waits until it answers
// its health check. On any failure after spawn the process is stopped
// before the error is returned.
func (s *server) Load(ctx context.Context, req LoadRequest) (err error) {
	d := s.fam.desc
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil || s.used {
		return fmt.Errorf("%s: instance already used; create a new one per load", d.Name)
	}
	s.used = true

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "backend.load",
		attribute.String("backend", d.Name),
		attribute.String("model", req.Model.ID),
	)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			s.env.Publisher.Publish(Event{Name: "load_failed", Backend: d.Name, Model: req.Model.ID, Fields: map[string]any{"error": err.Error()}})
		}
		loadSeconds.WithLabelValues(d.Name, outcome).Observe(time.Since(start).Seconds())
		observability.EndSpan(span, err)
	}()

	userArgs, err := ValidateArgs(d.Name, req.Args, s.fam.reserved)
	if err != nil {
		return err
	}
	variant, err := d.ResolveVariant(req.Variant)
	if err != nil {
		return err
	}

	p := launchParams{
		ModelID:  req.Model.ID,
		CtxSize:  req.CtxSize,
		Variant:  variant,
		Mmproj:   req.Model.Mmproj,
		Embed:    req.Model.HasLabel("embeddings"),
		Rerank:   req.Model.HasLabel("reranking"),
		Vision:   req.Model.HasLabel("vision"),
		UserArgs: userArgs,
		GOOS:     s.env.GOOS,
		Getenv:   s.env.Getenv,
	}
	if d.NeedsModelFile {
		if req.Model.Path == "" {
			return &LaunchError{Backend: d.Name, Err: fmt.Errorf("model %s has no local file", req.Model.ID)}
		}
		if _, err := os.Stat(req.Model.Path); err != nil {
			return &LaunchError{Backend: d.Name, Err: fmt.Errorf("model file: %w", err)}
		}
		p.Model = req.Model.Path
	} else {
		p.Model = req.Model.Checkpoint
	}

	s.env.Publisher.Publish(Event{Name: "load_start", Backend: d.Name, Model: req.Model.ID, Fields: map[string]any{"variant": variant}})
	exe, err := s.Install(ctx, variant)
	if err != nil {
		return err
	}
	p.Exe = exe
	if s.fam.prepare != nil {
		if err := s.fam.prepare(&p); err != nil {
			return &LaunchError{Backend: d.Name, Err: err}
		}
	}

	port, err := supervisor.FindFreePort(s.env.PortHint)
	if err != nil {
		return &LaunchError{Backend: d.Name, Err: err}
	}
	p.Port = port

	spec := supervisor.Spec{
		Name:          d.Name,
		Path:          exe,
		Args:          s.fam.args(p),
		Dir:           filepath.Dir(exe),
		InheritOutput: s.env.InheritOutput,
		FilterNoise:   s.env.FilterNoise,
		GPU:           d.IsGPU(variant),
	}
	if s.fam.env != nil {
		spec.Env = s.fam.env(p)
	}
	h, err := s.env.Supervisor.Start(ctx, spec)
	if err != nil {
		return &LaunchError{Backend: d.Name, Err: err}
	}
	s.env.Publisher.Publish(Event{Name: "spawn", Backend: d.Name, Model: req.Model.ID, Fields: map[string]any{"pid": h.PID(), "port": port}})

	if err := s.waitHealthy(ctx, h, port); err != nil {
		// never leave an unready process behind
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if serr := s.env.Supervisor.Stop(stopCtx, h); serr != nil {
			s.log.Error().Err(serr).Int("pid", h.PID()).Msg("stop after failed load")
		}
		cancel()
		return err
	}

	s.handle = h
	s.port = port
	s.model = req.Model.ID
	s.variant = variant
	s.loadedAt = time.Now()
	running.WithLabelValues(d.Name).Inc()
	s.log.Info().Str("event", "ready").Str("model", req.Model.ID).Int("pid", h.PID()).Int("port", port).Dur("elapsed", time.Since(start)).Msg("backend ready")
	s.env.Publisher.Publish(Event{Name: "ready", Backend: d.Name, Model: req.Model.ID, Fields: map[string]any{"pid": h.PID(), "port": port}})
	return nil
}

func (s *server) healthTimeout() time.Duration {
	if s.env.HealthTimeout > 0 {
		return s.env.HealthTimeout
	}
	return defaultHealthTimeout(s.fam.desc.HealthTimeout)
}

// waitHealthy polls the health path until 2xx, timeout or process exit.
func (s *server) waitHealthy(ctx context.Context, h *supervisor.Handle, port int) error {
	d := s.fam.desc
	url := fmt.Sprintf("http://%s:%d%s", supervisor.Host, port, d.HealthPath)
	err := retry.Poll(ctx, s.env.HealthInterval, s.healthTimeout(), func(ctx context.Context) (bool, error) {
		if !s.env.Supervisor.IsRunning(h) {
			code, _ := s.env.Supervisor.ExitCode(h)
			return false, &HealthTimeoutError{Backend: d.Name, Port: port, Exited: true, ExitCode: code, StderrTail: h.StderrTail()}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := s.env.HTTPClient.Do(req)
		if err != nil {
			return false, nil
		}
		resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	})
	if err == nil {
		return nil
	}
	var hte *HealthTimeoutError
	if errors.As(err, &hte) {
		return hte
	}
	return &HealthTimeoutError{Backend: d.Name, Port: port, StderrTail: h.StderrTail(), Err: err}
}

// Unload stops the process and clears the instance.
func (s *server) Unload(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	d := s.fam.desc
	ctx, span := observability.StartSpan(ctx, "backend.unload", attribute.String("backend", d.Name), attribute.String("model", s.model))
	defer func() { observability.EndSpan(span, err) }()

	if err := s.env.Supervisor.Stop(ctx, s.handle); err != nil {
		return fmt.Errorf("%s: stop: %w", d.Name, err)
	}
	s.log.Info().Str("event", "unload").Str("model", s.model).Int("pid", s.handle.PID()).Msg("backend unloaded")
	s.env.Publisher.Publish(Event{Name: "unload", Backend: d.Name, Model: s.model})
	running.WithLabelValues(d.Name).Dec()
	s.handle = nil
	s.port = 0
	s.model = ""
	return nil
}

func (s *server) Loaded() (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return Status{Backend: s.fam.desc.Name}, false
	}
	return Status{
		Backend:  s.fam.desc.Name,
		Model:    s.model,
		Variant:  s.variant,
		Port:     s.port,
		PID:      s.handle.PID(),
		LoadedAt: s.loadedAt,
		Handle:   s.handle,
	}, true
}

// Forward relays req to the engine. Unsupported capabilities are rejected
// without touching the process.
func (s *server) Forward(ctx context.Context, req ForwardRequest) (ForwardResult, error) {
	d := s.fam.desc
	rt, ok := s.fam.routes[req.Capability]
	if !ok || !d.Supports(req.Capability) {
		return ForwardResult{}, &UnsupportedOperationError{Backend: d.Name, Capability: req.Capability}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return ForwardResult{}, &NotLoadedError{Backend: d.Name}
	}
	if err := s.crashed(); err != nil {
		return ForwardResult{}, err
	}

	freq := forward.Request{
		BaseURL:     fmt.Sprintf("http://%s:%d", supervisor.Host, s.port),
		Path:        rt.path,
		Body:        req.Body,
		ContentType: req.ContentType,
	}
	mode := rt.mode
	if rt.streamable && req.Stream {
		mode = modeSSE
	}

	var (
		res ForwardResult
		err error
	)
	switch mode {
	case modeSSE:
		res.Streamed = true
		res.Telemetry, err = s.env.Forwarder.Stream(ctx, freq, req.Writer)
	case modeRaw:
		res.Streamed = true
		err = s.env.Forwarder.Raw(ctx, freq, req.Writer)
	default:
		res.Body, res.Telemetry, err = s.env.Forwarder.JSON(ctx, freq)
		if err == nil && s.fam.translate != nil {
			res.Body, err = s.fam.translate(req.Capability, res.Body)
		}
	}
	if err != nil {
		var ua *forward.UnavailableError
		if errors.As(err, &ua) {
			if cerr := s.crashed(); cerr != nil {
				return res, cerr
			}
		}
		return res, err
	}
	return res, nil
}

// crashed reports a lazily detected process exit.
func (s *server) crashed() error {
	if s.env.Supervisor.IsRunning(s.handle) {
		return nil
	}
	code, _ := s.env.Supervisor.ExitCode(s.handle)
	s.log.Warn().Str("event", "crash").Str("model", s.model).Int("code", code).Msg("backend process exited unexpectedly")
	s.env.Publisher.Publish(Event{Name: "crash_detected", Backend: s.fam.desc.Name, Model: s.model, Fields: map[string]any{"code": code}})
	return &CrashedError{Backend: s.fam.desc.Name, ExitCode: code, StderrTail: s.handle.StderrTail()}
}
