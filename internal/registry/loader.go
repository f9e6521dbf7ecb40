package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lemond/internal/common/fsutil"
	"lemond/pkg/types"
)

// GGUFScanner discovers llama.cpp models in a directory.
type GGUFScanner struct {
	// Recipe assigned to discovered models.
	Recipe string
}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{Recipe: "llamacpp"} }

// Scan lists *.gguf files in dir (non-recursive). ID is the full filename;
// Path is absolute. Projector files (mmproj*.gguf) are not models and are
// skipped; a model sharing the directory with exactly one projector gets it
// as Mmproj and the "vision" label.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var (
		models []types.Model
		projs  []string
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".gguf") {
			continue
		}
		p := filepath.Join(abs, name)
		if strings.HasPrefix(lower, "mmproj") {
			projs = append(projs, p)
			continue
		}
		models = append(models, types.Model{ID: name, Recipe: s.Recipe, Path: p})
	}
	if len(projs) == 1 {
		for i := range models {
			models[i].Mmproj = projs[0]
			models[i].Labels = append(models[i].Labels, "vision")
		}
	}
	return models, nil
}

// LoadDir scans a directory for *.gguf files with the default scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}
