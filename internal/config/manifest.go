package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed manifest.schema.json
var manifestSchemaJSON string

//go:embed backend_versions.yaml
var defaultManifest []byte

const manifestSchemaURL = "lemond://manifest.schema.json"

var manifestSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(manifestSchemaURL)
}()

// Manifest maps backend name (and optionally variant) to a required version.
type Manifest struct {
	all      map[string]string
	variants map[string]map[string]string
	source   string
}

// Version implements backend.Versions. A variant-specific entry wins over a
// backend-wide string.
func (m *Manifest) Version(backend, variant string) (string, bool) {
	if m == nil {
		return "", false
	}
	if vs, ok := m.variants[backend]; ok {
		v, ok := vs[variant]
		return v, ok
	}
	v, ok := m.all[backend]
	return v, ok
}

// Source is the file the manifest came from, or "embedded".
func (m *Manifest) Source() string { return m.source }

// Backends lists backend names in the manifest.
func (m *Manifest) Backends() []string {
	var out []string
	for k := range m.all {
		out = append(out, k)
	}
	for k := range m.variants {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseManifest validates data (YAML or JSON) against the manifest schema.
func ParseManifest(data []byte, source string) (*Manifest, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest %s: invalid YAML/JSON: %w", source, err)
	}
	// round-trip through JSON so the validator sees plain JSON types
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", source, err)
	}
	var doc any
	if err := json.Unmarshal(js, &doc); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", source, err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest %s: validation failed: %w", source, err)
	}

	var entries map[string]any
	if err := json.Unmarshal(js, &entries); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", source, err)
	}
	m := &Manifest{all: map[string]string{}, variants: map[string]map[string]string{}, source: source}
	for name, v := range entries {
		switch x := v.(type) {
		case string:
			m.all[name] = x
		case map[string]any:
			vs := make(map[string]string, len(x))
			for variant, ver := range x {
				vs[variant] = ver.(string)
			}
			m.variants[name] = vs
		}
	}
	return m, nil
}

// LoadManifest reads path, or the embedded default when path is empty.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return ParseManifest(defaultManifest, "embedded")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return ParseManifest(b, filepath.Base(path))
}

// ManifestStore serves the current manifest and can swap it atomically on
// reload. Installs that already resolved a version are unaffected.
type ManifestStore struct {
	cur atomic.Pointer[Manifest]
}

// NewManifestStore wraps an initial manifest.
func NewManifestStore(m *Manifest) *ManifestStore {
	s := &ManifestStore{}
	s.cur.Store(m)
	return s
}

func (s *ManifestStore) Version(backend, variant string) (string, bool) {
	return s.cur.Load().Version(backend, variant)
}

// Current returns the active manifest.
func (s *ManifestStore) Current() *Manifest { return s.cur.Load() }

// Swap installs m as the active manifest.
func (s *ManifestStore) Swap(m *Manifest) { s.cur.Store(m) }
