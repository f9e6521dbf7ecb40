package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lemond/internal/supervisor"
	"lemond/pkg/types"
)

func buildFakeEngine(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine tests are unix-only")
	}
	bin := filepath.Join(t.TempDir(), "fake_engine")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_engine")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake engine: %v: %s", err, string(out))
	}
	return bin
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return c
}

// countingSupervisor records every Start so tests can assert nothing spawned.
type countingSupervisor struct {
	*supervisor.Local
	starts  int
	handles []*supervisor.Handle
}

func (c *countingSupervisor) Start(ctx context.Context, spec supervisor.Spec) (*supervisor.Handle, error) {
	c.starts++
	h, err := c.Local.Start(ctx, spec)
	if h != nil {
		c.handles = append(c.handles, h)
	}
	return h, err
}

func fakeEnv(t *testing.T, engine string) (Env, *countingSupervisor, *MemoryPublisher) {
	t.Helper()
	sup := &countingSupervisor{Local: supervisor.New(supervisor.Options{StopGrace: 2 * time.Second, GPUSettleDelay: -1})}
	pub := NewMemoryPublisher(0)
	env := Env{
		BinRoot:        t.TempDir(),
		Supervisor:     sup,
		HealthInterval: 50 * time.Millisecond,
		HealthTimeout:  5 * time.Second,
		Publisher:      pub,
		Getenv: func(k string) string {
			if strings.HasPrefix(k, "LEMOND_") && strings.HasSuffix(k, "_BIN") {
				return engine
			}
			return ""
		},
	}
	return env, sup, pub
}

func modelFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, os.WriteFile(p, []byte("GGUF"), 0o644))
	return p
}

func TestLoadForwardUnload(t *testing.T) {
	engine := buildFakeEngine(t)
	env, sup, pub := fakeEnv(t, engine)
	argsFile := filepath.Join(t.TempDir(), "args.json")

	a, err := New(LlamaCpp, env)
	require.NoError(t, err)
	ctx := testCtx(t)
	require.NoError(t, a.Load(ctx, LoadRequest{
		Model:   types.Model{ID: "tiny", Path: modelFile(t), Labels: []string{"embeddings"}},
		Variant: "cpu",
		CtxSize: 4096,
		Args:    "--fake-args-file=" + argsFile + " --threads 2",
	}))

	st, ok := a.Loaded()
	require.True(t, ok)
	assert.Equal(t, "tiny", st.Model)
	assert.NotZero(t, st.Port)
	assert.NotZero(t, st.PID)

	var rec struct {
		Args          []string `json:"args"`
		LDLibraryPath string   `json:"ld_library_path"`
	}
	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &rec))
	joined := strings.Join(rec.Args, " ")
	assert.Contains(t, joined, "-ngl 0")
	assert.Contains(t, joined, "--ctx-size 4096")
	assert.Contains(t, joined, "--embeddings")
	assert.True(t, strings.HasSuffix(joined, "--threads 2"))
	if runtime.GOOS == "linux" {
		assert.True(t, strings.HasPrefix(rec.LDLibraryPath, filepath.Dir(engine)))
	}

	res, err := a.Forward(ctx, ForwardRequest{Capability: CapChat, Body: []byte(`{"messages":[]}`)})
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), `"hello"`)
	require.NotNil(t, res.Telemetry.OutputTokens)
	assert.Equal(t, 1, *res.Telemetry.OutputTokens)

	rw := httptest.NewRecorder()
	res, err = a.Forward(ctx, ForwardRequest{Capability: CapChat, Body: []byte(`{"stream":true}`), Stream: true, Writer: rw})
	require.NoError(t, err)
	assert.True(t, res.Streamed)
	assert.Equal(t, 1, strings.Count(rw.Body.String(), "[DONE]"))
	require.NotNil(t, res.Telemetry.TokensPerSecond)
	assert.InDelta(t, 33.3, *res.Telemetry.TokensPerSecond, 1e-9)

	require.NoError(t, a.Unload(ctx))
	_, ok = a.Loaded()
	assert.False(t, ok)
	assert.False(t, sup.IsRunning(sup.handles[0]))
	assert.True(t, supervisor.PortFree(st.Port))
	require.NoError(t, a.Unload(ctx), "second unload is a no-op")

	assert.Equal(t, []string{"load_start", "spawn", "ready", "unload"}, pub.Names())
}

func TestStreamWithoutDoneGetsOneSentinel(t *testing.T) {
	engine := buildFakeEngine(t)
	env, _, _ := fakeEnv(t, engine)
	a, err := New(LlamaCpp, env)
	require.NoError(t, err)
	ctx := testCtx(t)
	require.NoError(t, a.Load(ctx, LoadRequest{Model: types.Model{ID: "m", Path: modelFile(t)}, Variant: "cpu", Args: "--fake-no-done"}))
	t.Cleanup(func() { _ = a.Unload(context.Background()) })

	rw := httptest.NewRecorder()
	_, err = a.Forward(ctx, ForwardRequest{Capability: CapCompletions, Body: []byte(`{"stream":true}`), Stream: true, Writer: rw})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(rw.Body.String(), "data: [DONE]"))
}

func TestReservedArgRejectedBeforeSpawn(t *testing.T) {
	env, sup, _ := fakeEnv(t, "/nonexistent/engine")
	a, err := New(LlamaCpp, env)
	require.NoError(t, err)

	err = a.Load(testCtx(t), LoadRequest{Model: types.Model{ID: "m", Path: modelFile(t)}, Args: `--port 9999 --temp 0.5 -m="other.gguf"`})
	var rerr *ReservedArgError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []string{"--port", "-m"}, rerr.Conflicts)
	assert.Contains(t, err.Error(), "--port")
	assert.Zero(t, sup.starts)
}

func TestLoadFailuresLeaveNoOrphan(t *testing.T) {
	engine := buildFakeEngine(t)

	cases := []struct {
		name  string
		model func(t *testing.T) string
		args  string
		check func(t *testing.T, err error)
	}{
		{
			name:  "bad model path",
			model: func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.gguf") },
			check: func(t *testing.T, err error) {
				var le *LaunchError
				assert.ErrorAs(t, err, &le)
			},
		},
		{
			name:  "health timeout",
			model: modelFile,
			args:  "--fake-never-ready",
			check: func(t *testing.T, err error) {
				var he *HealthTimeoutError
				require.ErrorAs(t, err, &he)
				assert.False(t, he.Exited)
			},
		},
		{
			name:  "crash during launch",
			model: modelFile,
			args:  "--fake-exit 7",
			check: func(t *testing.T, err error) {
				var he *HealthTimeoutError
				require.ErrorAs(t, err, &he)
				assert.True(t, he.Exited)
				assert.Equal(t, 7, he.ExitCode)
				assert.Contains(t, he.StderrTail, "failing on purpose")
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, sup, _ := fakeEnv(t, engine)
			env.HealthTimeout = time.Second
			a, err := New(LlamaCpp, env)
			require.NoError(t, err)

			err = a.Load(testCtx(t), LoadRequest{Model: types.Model{ID: "m", Path: tc.model(t)}, Variant: "cpu", Args: tc.args})
			require.Error(t, err)
			tc.check(t, err)

			_, ok := a.Loaded()
			assert.False(t, ok)
			for _, h := range sup.handles {
				assert.False(t, sup.IsRunning(h), "process %d still running", h.PID())
			}
		})
	}
}

func TestCapabilityMismatchDoesNotContactBackend(t *testing.T) {
	env, sup, _ := fakeEnv(t, "")
	a, err := New(SDCpp, env)
	require.NoError(t, err)

	_, err = a.Forward(context.Background(), ForwardRequest{Capability: CapChat, Body: []byte(`{}`)})
	var ue *UnsupportedOperationError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "unsupported_operation", ue.ErrorType())
	assert.Equal(t, http.StatusBadRequest, ue.StatusCode())
	assert.Zero(t, sup.starts)
}

func TestForwardNotLoaded(t *testing.T) {
	env, _, _ := fakeEnv(t, "")
	a, err := New(WhisperCpp, env)
	require.NoError(t, err)
	_, err = a.Forward(context.Background(), ForwardRequest{Capability: CapTranscriptions})
	var nl *NotLoadedError
	assert.ErrorAs(t, err, &nl)
}

func TestInstanceIsSingleUse(t *testing.T) {
	env, _, _ := fakeEnv(t, "")
	a, err := New(LlamaCpp, env)
	require.NoError(t, err)
	req := LoadRequest{Model: types.Model{ID: "m", Path: filepath.Join(t.TempDir(), "nope.gguf")}}
	require.Error(t, a.Load(context.Background(), req))
	err = a.Load(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create a new one")
}

type mapVersions map[string]string

func (m mapVersions) Version(b, v string) (string, bool) {
	if s, ok := m[b+"."+v]; ok {
		return s, true
	}
	s, ok := m[b]
	return s, ok
}

func TestInstallMissingManifestEntry(t *testing.T) {
	env, _, _ := fakeEnv(t, "")
	env.Versions = mapVersions{}
	a, err := New(LlamaCpp, env)
	require.NoError(t, err)
	_, err = a.Install(context.Background(), "vulkan")
	require.True(t, IsConfig(err))
	assert.Contains(t, err.Error(), "llamacpp.vulkan")
}

func TestKokoroLegacyDefaultVersion(t *testing.T) {
	env, _, _ := fakeEnv(t, "")
	env.Versions = mapVersions{}
	s := newServer(families[Kokoro], env)
	v, err := s.requiredVersion("cpu")
	require.NoError(t, err)
	assert.Equal(t, kokoroLegacyVersion, v)
}

func TestInstallOverrideSkipsManifest(t *testing.T) {
	engine := filepath.Join(t.TempDir(), "koko")
	require.NoError(t, os.WriteFile(engine, []byte("#!/bin/sh\n"), 0o755))
	env, _, _ := fakeEnv(t, engine)
	a, err := New(Kokoro, env)
	require.NoError(t, err)
	exe, err := a.Install(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, engine, exe)
}

func TestUnknownVariant(t *testing.T) {
	d, ok := Lookup(LlamaCpp)
	require.True(t, ok)
	_, err := d.ResolveVariant("cuda")
	assert.True(t, IsConfig(err))
	v, err := d.ResolveVariant("")
	require.NoError(t, err)
	assert.Equal(t, "vulkan", v)
}

func TestAssetNames(t *testing.T) {
	cases := []struct {
		backend, version, variant, goos, goarch string
		want                                    string
	}{
		{LlamaCpp, "b6510", "vulkan", "linux", "amd64", "llama-b6510-bin-ubuntu-vulkan-x64.zip"},
		{LlamaCpp, "b6510", "metal", "darwin", "arm64", "llama-b6510-bin-macos-arm64.zip"},
		{LlamaCpp, "b1066", "rocm", "windows", "amd64", "llama-b1066-windows-rocm-gfx110X-x64.zip"},
		{WhisperCpp, "v1.7.6", "cpu", "windows", "amd64", "whisper-bin-x64.zip"},
		{Kokoro, "v0.1.0", "cpu", "linux", "amd64", "kokoros-linux-x86_64.tar.gz"},
		{FLM, "v0.9.10", "npu", "windows", "amd64", "flm-windows-x64-v0.9.10.zip"},
	}
	for _, tc := range cases {
		d, _ := Lookup(tc.backend)
		got, err := d.Asset(tc.version, tc.variant, tc.goos, tc.goarch)
		require.NoError(t, err, tc.backend)
		assert.Equal(t, tc.want, got)
	}

	d, _ := Lookup(FLM)
	_, err := d.Asset("v1", "npu", "linux", "amd64")
	assert.True(t, IsConfig(err))
	d, _ = Lookup(LlamaCpp)
	_, err = d.Asset("b1", "metal", "linux", "amd64")
	assert.True(t, IsConfig(err))
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{FLM, Kokoro, LlamaCpp, SDCpp, WhisperCpp}, Names())
}

func TestWhisperTranslateTrimsText(t *testing.T) {
	out, err := whisperTranslate(CapTranscriptions, []byte(`{"text":"  hello world\n"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello world"}`, string(out))

	raw := []byte("1\n00:00:00,000 --> 00:00:01,000\n hi\n")
	out, err = whisperTranslate(CapTranscriptions, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestLlamaPrepareFindsProjector(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(model, nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "extra"), 0o755))
	proj := filepath.Join(dir, "extra", "mmproj-F16.gguf")
	require.NoError(t, os.WriteFile(proj, nil, 0o644))

	p := launchParams{Model: model, Vision: true}
	require.NoError(t, llamaPrepare(&p))
	assert.Equal(t, proj, p.Mmproj)

	p = launchParams{Model: model, Mmproj: "mmproj-F16.gguf"}
	require.NoError(t, llamaPrepare(&p))
	assert.Equal(t, proj, p.Mmproj)

	p = launchParams{Model: model, Mmproj: "missing.gguf"}
	assert.Error(t, llamaPrepare(&p))

	p = launchParams{Model: model}
	require.NoError(t, llamaPrepare(&p))
	assert.Empty(t, p.Mmproj, "text-only models get no projector")
}
