package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Marker files persisted in each install directory.
const (
	VersionFile = "version.txt"
	VariantFile = "backend.txt"
)

// State is what an install directory records about its contents.
type State struct {
	Version string
	Variant string
}

// ReadState loads the markers from dir. Missing markers yield empty fields.
func ReadState(dir string) (State, error) {
	var st State
	v, err := readMarker(filepath.Join(dir, VersionFile))
	if err != nil {
		return st, err
	}
	st.Version = v
	if st.Variant, err = readMarker(filepath.Join(dir, VariantFile)); err != nil {
		return st, err
	}
	return st, nil
}

// WriteState persists the markers. The variant marker is only written when
// withVariant is set (multi-variant backends).
func WriteState(dir string, st State, withVariant bool) error {
	if err := os.WriteFile(filepath.Join(dir, VersionFile), []byte(st.Version), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", VersionFile, err)
	}
	if withVariant {
		if err := os.WriteFile(filepath.Join(dir, VariantFile), []byte(st.Variant), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", VariantFile, err)
		}
	}
	return nil
}

func readMarker(path string) (string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// FindExecutable tries candidates (relative to root) in order and returns
// the first that exists as a regular file.
func FindExecutable(root string, candidates []string) (string, error) {
	for _, c := range candidates {
		p := filepath.Join(root, filepath.FromSlash(c))
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("executable not found under %s (tried %s)", root, strings.Join(candidates, ", "))
}

// Candidates builds the conventional search list for exe: bin/, build/bin/,
// an optional platform subdirectory, then the archive root.
func Candidates(exe string, platformDirs ...string) []string {
	out := []string{"bin/" + exe, "build/bin/" + exe}
	for _, d := range platformDirs {
		if d != "" {
			out = append(out, d+"/"+exe)
		}
	}
	return append(out, exe)
}
