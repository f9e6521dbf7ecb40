package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"lemond/internal/backend"
	"lemond/internal/httpapi"
	"lemond/internal/registry"
	"lemond/internal/router"
	"lemond/internal/supervisor"
	"lemond/internal/telemetry"
)

// buildEngine compiles the fake OpenAI-compatible engine used by the
// backend tests.
func buildEngine(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("e2e tests are unix-only")
	}
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := filepath.Join(t.TempDir(), "fake_engine")
	cmd := exec.Command("go", "build", "-o", bin, "../backend/testdata/fake_engine")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build fake engine: %v: %s", err, out)
	}
	return bin
}

// createTempModelsDir creates a directory populated with placeholder .gguf
// files and returns its path.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

type stack struct {
	srv    *httptest.Server
	router *router.Router
	stats  *telemetry.Store
	events *backend.MemoryPublisher
}

// newStack wires registry, router, real llamacpp adapters on top of the fake
// engine, and the HTTP surface, the same way `lemond serve` does.
func newStack(t *testing.T, modelsDir string, limits map[string]int) *stack {
	t.Helper()
	engine := buildEngine(t)
	sup := supervisor.New(supervisor.Options{StopGrace: 2 * time.Second, GPUSettleDelay: -1})
	events := backend.NewMemoryPublisher(50)
	env := backend.Env{
		Publisher:      events,
		BinRoot:        t.TempDir(),
		Supervisor:     sup,
		HealthInterval: 50 * time.Millisecond,
		HealthTimeout:  10 * time.Second,
		Getenv: func(k string) string {
			if strings.HasPrefix(k, "LEMOND_") && strings.HasSuffix(k, "_BIN") {
				return engine
			}
			return ""
		},
	}
	reg := registry.New(nil, modelsDir, nil)
	rt := router.New(reg, func(recipe string) (backend.Adapter, error) {
		return backend.New(recipe, env)
	}, router.Options{
		Limits:   limits,
		Defaults: map[string]router.Defaults{"llamacpp": {Variant: "cpu"}},
	})
	stats, err := telemetry.Open(":memory:")
	if err != nil {
		t.Fatalf("open telemetry: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(httpapi.Deps{Gateway: rt, Models: reg, Stats: stats, Events: events}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.UnloadAll(ctx)
		_ = stats.Close()
	})
	return &stack{srv: srv, router: rt, stats: stats, events: events}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
