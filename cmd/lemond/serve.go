package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lemond/internal/backend"
	"lemond/internal/config"
	"lemond/internal/httpapi"
	"lemond/internal/observability"
	"lemond/internal/registry"
	"lemond/internal/router"
	"lemond/internal/telemetry"
	"lemond/pkg/types"
)

const (
	shutdownGrace   = 5 * time.Second
	unloadTimeout   = 30 * time.Second
	telemetryMaxAge = 30 * 24 * time.Hour
	eventHistory    = 200
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr, modelsDir, cors string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			stringSetting(cmd, "addr", "LEMOND_ADDR", &cfg.Addr)
			stringSetting(cmd, "models-dir", "LEMOND_MODELS_DIR", &cfg.ModelsDir)
			if origins := splitCSV(cors); len(origins) > 0 {
				cfg.HTTP.CORSOrigins = origins
			}
			if err := cfg.ApplyDefaults(); err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.DefaultAddr, "HTTP listen address (env LEMOND_ADDR)")
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "Directory scanned for *.gguf models (env LEMOND_MODELS_DIR)")
	cmd.Flags().StringVar(&cors, "cors", "", "Comma separated CORS origins; enables CORS when set")
	return cmd
}

func declaredModels(cfg config.Config) []types.Model {
	out := make([]types.Model, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		out = append(out, types.Model{
			ID:         m.ID,
			Recipe:     m.Recipe,
			Checkpoint: m.Checkpoint,
			Path:       m.Path,
			Mmproj:     m.Mmproj,
			Labels:     m.Labels,
		})
	}
	return out
}

func routerDefaults(cfg config.Config) map[string]router.Defaults {
	out := make(map[string]router.Defaults, len(cfg.Backends))
	for name, b := range cfg.Backends {
		out[name] = router.Defaults{Variant: b.Variant, Args: b.ExtraArgs, CtxSize: b.CtxSize}
	}
	return out
}

// adapterFactory creates fresh instances, applying per-family health timeouts.
func adapterFactory(cfg config.Config, env backend.Env) router.Factory {
	return func(recipe string) (backend.Adapter, error) {
		e := env
		if d := cfg.Backend(recipe).HealthTimeout.Std(); d > 0 {
			e.HealthTimeout = d
		}
		return backend.New(recipe, e)
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log := a.log

	shutdownTracing, err := observability.InitTracing("lemond", cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	stats, err := telemetry.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer stats.Close()

	sup := a.newSupervisor()
	events := backend.NewMemoryPublisher(eventHistory)
	env := a.backendEnv(sup, events)
	reg := registry.New(declaredModels(cfg), cfg.ModelsDir, &log)
	rt := router.New(reg, adapterFactory(cfg, env), router.Options{
		Limits:   cfg.MaxLoaded,
		Defaults: routerDefaults(cfg),
		Logger:   &log,
	})

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetCORSOptions(len(cfg.HTTP.CORSOrigins) > 0, cfg.HTTP.CORSOrigins, nil, nil)

	var ready atomic.Bool
	handler := httpapi.NewMux(httpapi.Deps{
		Gateway:  rt,
		Models:   reg,
		Backends: backendService{env: env},
		Stats:    stats,
		Events:   events,
		Ready:    ready.Load,
	})
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Int("models", reg.Len()).Str("manifest", a.manifest.Current().Source()).Msg("lemond listening")
		ready.Store(true)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.ManifestPath != "" {
		w := config.NewManifestWatcher(cfg.ManifestPath, a.manifest, &log, nil)
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				log.Warn().Err(err).Str("path", cfg.ManifestPath).Msg("manifest hot reload disabled")
			}
			return nil
		})
	}
	g.Go(func() error {
		pruneTelemetry(gctx, stats, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown")
		}
		uctx, ucancel := context.WithTimeout(context.Background(), unloadTimeout)
		defer ucancel()
		if err := rt.UnloadAll(uctx); err != nil {
			log.Error().Err(err).Msg("unload on shutdown")
		}
		return nil
	})
	err = g.Wait()
	log.Info().Msg("lemond stopped")
	return err
}

// pruneTelemetry drops old request rows once at startup and then daily.
func pruneTelemetry(ctx context.Context, stats *telemetry.Store, log zerolog.Logger) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		n, err := stats.Prune(ctx, time.Now().Add(-telemetryMaxAge))
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("prune telemetry")
		} else if n > 0 {
			log.Debug().Int64("rows", n).Msg("pruned telemetry")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
