package registry

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"lemond/pkg/types"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, f := range names {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(""), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
}

func TestGGUFScanner_ScanFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.gguf", "b.GGUF", "not-model.txt", "model.bin")
	s := NewGGUFScanner()
	models, err := s.Scan(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	for _, m := range models {
		if !strings.HasSuffix(strings.ToLower(m.ID), ".gguf") {
			t.Fatalf("id not gguf: %s", m.ID)
		}
		if m.Recipe != "llamacpp" || !filepath.IsAbs(m.Path) {
			t.Fatalf("unexpected model: %+v", m)
		}
	}
}

func TestGGUFScanner_Projector(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "gemma.gguf", "mmproj-gemma-f16.gguf")
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("projector should not be a model: %+v", models)
	}
	if !models[0].HasLabel("vision") || filepath.Base(models[0].Mmproj) != "mmproj-gemma-f16.gguf" {
		t.Fatalf("projector not attached: %+v", models[0])
	}
}

func TestGGUFScanner_ExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "lemond-registry-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	touch(t, hTmp, "x.gguf")
	var tildePath string
	if runtime.GOOS == "windows" {
		tildePath = filepath.Join("~", filepath.Base(hTmp))
	} else {
		tildePath = "~/" + filepath.Base(hTmp)
	}
	models, err := NewGGUFScanner().Scan(tildePath)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "x.gguf" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestRegistryDeclaredWins(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "m.gguf", "other.gguf")
	declared := []types.Model{
		{ID: "m.gguf", Recipe: "llamacpp", Path: "/declared/m.gguf", Labels: []string{"embeddings"}},
		{ID: "whisper-base", Recipe: "whispercpp", Path: "/w/ggml-base.bin"},
	}
	r := New(declared, dir, nil)
	if r.Len() != 3 {
		t.Fatalf("expected 3 models, got %d", r.Len())
	}
	m, err := r.Get("m.gguf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Path != "/declared/m.gguf" {
		t.Fatalf("declared model should win: %+v", m)
	}
	if got := TypeOf(m); got != TypeEmbedding {
		t.Fatalf("type = %s", got)
	}
	w, _ := r.Get("whisper-base")
	if TypeOf(w) != TypeAudio {
		t.Fatalf("whisper should be audio")
	}
	list := r.List()
	if list[0].ID != "m.gguf" || list[2].ID != "whisper-base" {
		t.Fatalf("list not sorted: %+v", list)
	}

	_, err = r.Get("missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ErrorCode() != "model_not_found" {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryMissingDir(t *testing.T) {
	r := New(nil, filepath.Join(t.TempDir(), "nope"), nil)
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestRegistryRescansOnMiss(t *testing.T) {
	dir := t.TempDir()
	r := New(nil, dir, nil)
	touch(t, dir, "late.gguf")
	if n := len(r.List()); n != 0 {
		t.Fatalf("list before rescan: %d models", n)
	}
	if _, err := r.Get("late.gguf"); err != nil {
		t.Fatalf("get after drop-in: %v", err)
	}
	if n := len(r.List()); n != 1 {
		t.Fatalf("list after rescan: %d models", n)
	}
	if _, err := r.Get("missing.gguf"); err == nil {
		t.Fatalf("expected not found")
	}
}
