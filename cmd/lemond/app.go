package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"lemond/internal/backend"
	"lemond/internal/config"
	"lemond/internal/download"
	"lemond/internal/forward"
	"lemond/internal/install"
	"lemond/internal/observability"
	"lemond/internal/supervisor"
)

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg       config.Config
	log       zerolog.Logger
	logCloser io.Closer
	manifest  *config.ManifestStore
	fetcher   *download.Downloader
	installer *install.Installer
}

func newApp(cfg config.Config) (*app, error) {
	log, closer := observability.NewLogger(cfg.Log, os.Stderr)
	a := &app{cfg: cfg, log: log, logCloser: closer}

	m, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		closer.Close()
		return nil, err
	}
	a.manifest = config.NewManifestStore(m)

	var resolver download.Resolver
	if cfg.Mirror.Enabled() {
		r, err := download.NewMinioResolver(cfg.Mirror)
		if err != nil {
			closer.Close()
			return nil, fmt.Errorf("mirror: %w", err)
		}
		resolver = r
	}
	dlog := log.With().Str("component", "download").Logger()
	a.fetcher = download.New(download.Config{
		ConnectTimeout: cfg.Download.ConnectTimeout.Std(),
		Defaults: download.Options{
			MaxAttempts:  cfg.Download.MaxAttempts,
			BaseDelay:    cfg.Download.BaseDelay.Std(),
			MaxDelay:     cfg.Download.MaxDelay.Std(),
			StallTimeout: cfg.Download.StallTimeout.Std(),
			MinFreeBytes: uint64(cfg.Download.MinFreeMB) << 20,
		},
		Resolver: resolver,
		Logger:   &dlog,
	})
	ilog := log.With().Str("component", "install").Logger()
	a.installer = install.New(a.fetcher, cfg.CacheDir, &ilog)
	return a, nil
}

// backendEnv builds the shared environment for adapter instances. The
// supervisor is optional for commands that never launch anything.
func (a *app) backendEnv(sup supervisor.Supervisor, pub backend.EventPublisher) backend.Env {
	blog := a.log.With().Str("component", "backend").Logger()
	return backend.Env{
		BinRoot:        a.cfg.BinRoot,
		Versions:       a.manifest,
		ReleaseMirror:  a.cfg.Mirror.ReleaseBase(),
		Installer:      a.installer,
		Supervisor:     sup,
		Forwarder:      forward.New(nil, &blog),
		HealthInterval: a.cfg.Supervisor.HealthInterval.Std(),
		PortHint:       a.cfg.Supervisor.PortHint,
		InheritOutput:  a.cfg.Supervisor.InheritOutputOr(),
		FilterNoise:    a.cfg.Supervisor.FilterNoiseOr(),
		Publisher:      pub,
		Logger:         &blog,
	}
}

func (a *app) newSupervisor() *supervisor.Local {
	slog := a.log.With().Str("component", "supervisor").Logger()
	return supervisor.New(supervisor.Options{
		StopGrace:      a.cfg.Supervisor.StopGrace.Std(),
		GPUSettleDelay: a.cfg.Supervisor.GPUSettleDelay.Std(),
		Logger:         &slog,
	})
}

func (a *app) Close() error { return a.logCloser.Close() }
