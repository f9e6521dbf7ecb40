// Package install extracts downloaded engine archives, locates the engine
// executable inside them and reconciles an install directory against the
// version a backend currently requires.
package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"lemond/internal/common/fsutil"
	"lemond/internal/download"
	"lemond/internal/observability"
)

// defaultMinArchiveBytes rejects truncated or error-page downloads.
const defaultMinArchiveBytes = 1024

// Fetcher downloads a URL to a local path.
type Fetcher interface {
	Download(ctx context.Context, url, dest string, opts download.Options) (download.Result, error)
}

// Request describes the install a backend needs.
type Request struct {
	// Name labels logs and errors, e.g. "llamacpp".
	Name string
	// Dir is <bin-root>/<family>/<variant>.
	Dir     string
	Version string
	Variant string
	// MultiVariant backends also record and compare backend.txt.
	MultiVariant bool
	URL          string
	// ArchiveName is the asset file name; its extension selects the extractor.
	ArchiveName string
	Candidates  []string
	// Override is an externally managed executable that bypasses install.
	Override        string
	MinArchiveBytes int64
	Progress        download.ProgressFunc
}

// Result reports the outcome of Ensure.
type Result struct {
	Executable string
	Version    string
	// Installed is true when this call downloaded and extracted a fresh copy.
	Installed bool
	// FromOverride is true when Request.Override was used.
	FromOverride bool
}

// Error is an install failure that left no half-written install directory.
type Error struct {
	Name string
	Step string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("install %s: %s: %v", e.Name, e.Step, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Installer serializes installs per directory.
type Installer struct {
	fetch    Fetcher
	cacheDir string
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs an Installer. Archives are staged in cacheDir so that an
// interrupted download resumes after a restart.
func New(fetch Fetcher, cacheDir string, logger *zerolog.Logger) *Installer {
	i := &Installer{fetch: fetch, cacheDir: cacheDir, log: zerolog.Nop(), locks: make(map[string]*sync.Mutex)}
	if logger != nil {
		i.log = *logger
	}
	return i
}

func (i *Installer) lockFor(dir string) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()
	m, ok := i.locks[dir]
	if !ok {
		m = &sync.Mutex{}
		i.locks[dir] = m
	}
	return m
}

// Status inspects an install directory without changing it.
func Status(req Request) (State, string, bool) {
	st, _ := ReadState(req.Dir)
	exe, err := FindExecutable(req.Dir, req.Candidates)
	if err != nil {
		return st, "", false
	}
	upToDate := st.Version == req.Version && (!req.MultiVariant || st.Variant == req.Variant)
	return st, exe, upToDate
}

// Ensure makes req.Dir hold req.Version (and variant). A directory that is
// already current is left untouched; a stale one is removed and reinstalled.
// Markers are written only after the executable is confirmed present.
func (i *Installer) Ensure(ctx context.Context, req Request) (res Result, err error) {
	log := i.log.With().Str("backend", req.Name).Str("variant", req.Variant).Str("version", req.Version).Logger()

	if req.Override != "" {
		if fsutil.IsRegularFile(req.Override) {
			log.Debug().Str("path", req.Override).Msg("using external executable override")
			return Result{Executable: req.Override, FromOverride: true}, nil
		}
		log.Warn().Str("path", req.Override).Msg("override executable not found; falling back to managed install")
	}

	lk := i.lockFor(req.Dir)
	lk.Lock()
	defer lk.Unlock()

	st, exe, current := Status(req)
	if current {
		return Result{Executable: exe, Version: st.Version}, nil
	}

	ctx, span := observability.StartSpan(ctx, "backend.install",
		attribute.String("backend", req.Name),
		attribute.String("variant", req.Variant),
		attribute.String("version", req.Version),
	)
	defer func() { observability.EndSpan(span, err) }()

	if exe == "" {
		log.Info().Msg("backend not installed; installing")
	} else {
		log.Info().Str("installed_version", st.Version).Str("installed_variant", st.Variant).Msg("backend out of date; reinstalling")
	}
	if err := os.RemoveAll(req.Dir); err != nil {
		return Result{}, &Error{Name: req.Name, Step: "remove stale install", Err: err}
	}

	archive := filepath.Join(i.stagingDir(req), req.Name+"-"+req.Version+"-"+req.ArchiveName)
	fail := func(step string, cause error, dropArchive bool) (Result, error) {
		_ = os.RemoveAll(req.Dir)
		if dropArchive {
			_ = os.Remove(archive)
		}
		log.Error().Err(cause).Str("step", step).Msg("install failed")
		return Result{}, &Error{Name: req.Name, Step: step, Err: cause}
	}

	if _, err := i.fetch.Download(ctx, req.URL, archive, download.Options{Progress: req.Progress}); err != nil {
		// keep any partial archive so a retry resumes
		return fail("download", err, false)
	}
	minBytes := req.MinArchiveBytes
	if minBytes <= 0 {
		minBytes = defaultMinArchiveBytes
	}
	if size := fsutil.FileSize(archive); size < minBytes {
		return fail("verify archive", fmt.Errorf("archive is %d bytes, expected at least %d", size, minBytes), true)
	}
	if err := Extract(archive, req.Dir); err != nil {
		return fail("extract", err, true)
	}
	exe, err = FindExecutable(req.Dir, req.Candidates)
	if err != nil {
		return fail("locate executable", err, true)
	}
	if err := fsutil.MakeExecutable(exe); err != nil {
		return fail("chmod", err, true)
	}
	if err := WriteState(req.Dir, State{Version: req.Version, Variant: req.Variant}, req.MultiVariant); err != nil {
		return fail("write markers", err, false)
	}
	_ = os.Remove(archive)
	log.Info().Str("executable", exe).Msg("backend installed")
	return Result{Executable: exe, Version: req.Version, Installed: true}, nil
}

func (i *Installer) stagingDir(req Request) string {
	if i.cacheDir != "" {
		return i.cacheDir
	}
	return filepath.Join(filepath.Dir(req.Dir), ".downloads")
}
