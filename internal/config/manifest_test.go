package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedManifest(t *testing.T) {
	m, err := LoadManifest("")
	require.NoError(t, err)
	assert.Equal(t, "embedded", m.Source())

	v, ok := m.Version("llamacpp", "rocm")
	require.True(t, ok)
	assert.Equal(t, "b1066", v)

	v, ok = m.Version("whispercpp", "vulkan")
	require.True(t, ok, "string entry applies to every variant")
	assert.Equal(t, "v1.7.6", v)

	_, ok = m.Version("llamacpp", "cuda")
	assert.False(t, ok)
	_, ok = m.Version("nope", "")
	assert.False(t, ok)
}

func TestParseManifestJSON(t *testing.T) {
	m, err := ParseManifest([]byte(`{"llamacpp":{"vulkan":"b1"},"flm":"v2"}`), "test.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"flm", "llamacpp"}, m.Backends())
	v, _ := m.Version("flm", "npu")
	assert.Equal(t, "v2", v)
}

func TestParseManifestRejectsInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"empty version":  `{"llamacpp":{"vulkan":""}}`,
		"number version": `{"flm": 3}`,
		"nested too far": `{"llamacpp":{"vulkan":{"x":"y"}}}`,
		"empty document": `{}`,
		"bad name":       `{"Llama CPP":"b1"}`,
		"not yaml":       "llamacpp: [unclosed",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc), name)
			assert.Error(t, err)
		})
	}
}

func TestManifestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "versions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flm: v1\n"), 0o644))
	m, err := LoadManifest(path)
	require.NoError(t, err)
	store := NewManifestStore(m)

	reloaded := make(chan error, 4)
	w := NewManifestWatcher(path, store, nil, func(_ *Manifest, err error) { reloaded <- err })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("flm: v2\n"), 0o644))
	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	v, _ := store.Version("flm", "npu")
	assert.Equal(t, "v2", v)

	require.NoError(t, os.WriteFile(path, []byte("flm: 7\n"), 0o644))
	select {
	case err := <-reloaded:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	v, _ = store.Version("flm", "npu")
	assert.Equal(t, "v2", v, "invalid manifest keeps previous")
}
