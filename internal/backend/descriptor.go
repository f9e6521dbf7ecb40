package backend

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"lemond/internal/common/fsutil"
	"lemond/internal/install"
)

// Capability is an OpenAI-compatible operation, named by its path suffix.
type Capability string

const (
	CapChat           Capability = "chat/completions"
	CapCompletions    Capability = "completions"
	CapEmbeddings     Capability = "embeddings"
	CapRerank         Capability = "rerank"
	CapSpeech         Capability = "audio/speech"
	CapTranscriptions Capability = "audio/transcriptions"
	CapImages         Capability = "images/generations"
	CapResponses      Capability = "responses"
)

// AllCapabilities lists every routable operation.
var AllCapabilities = []Capability{
	CapChat, CapCompletions, CapEmbeddings, CapRerank,
	CapSpeech, CapTranscriptions, CapImages, CapResponses,
}

// AssetFunc returns the release asset file name for a version, variant and
// target platform. It returns an error for unsupported combinations.
type AssetFunc func(version, variant, goos, goarch string) (string, error)

// Descriptor is the static description of one engine family.
type Descriptor struct {
	Name           string
	Variants       []string
	DefaultVariant string
	// Repo is the GitHub "owner/name" hosting release assets.
	Repo  string
	Asset AssetFunc
	// ExeName is the executable base name without platform suffix.
	ExeName      string
	PlatformDirs []string
	// OverrideEnv names an env var pointing at an externally managed executable.
	OverrideEnv string
	// LegacyDefaultVersion is used, with a warning, when the manifest has
	// no entry. Empty means a missing entry is a configuration error.
	LegacyDefaultVersion string
	GPUVariants          []string
	HealthPath           string
	HealthTimeout        time.Duration
	Capabilities         []Capability
	// NeedsModelFile is false for engines that resolve models themselves.
	NeedsModelFile bool
}

// Supports reports whether the family serves c.
func (d Descriptor) Supports(c Capability) bool { return slices.Contains(d.Capabilities, c) }

// MultiVariant reports whether installs are keyed by variant.
func (d Descriptor) MultiVariant() bool { return len(d.Variants) > 1 }

// IsGPU reports whether variant runs on a GPU context.
func (d Descriptor) IsGPU(variant string) bool { return slices.Contains(d.GPUVariants, variant) }

// ResolveVariant maps "" to the default and rejects unknown variants.
func (d Descriptor) ResolveVariant(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		v = d.DefaultVariant
	}
	if !slices.Contains(d.Variants, v) {
		return "", &ConfigError{Backend: d.Name, Msg: fmt.Sprintf("unknown variant %q (supported: %s)", v, strings.Join(d.Variants, ", "))}
	}
	return v, nil
}

// DownloadURL builds the GitHub release asset URL.
func (d Descriptor) DownloadURL(version, asset string) string {
	return "https://github.com/" + d.Repo + "/releases/download/" + version + "/" + asset
}

// Candidates is the ordered search list for the extracted executable.
func (d Descriptor) Candidates() []string {
	return install.Candidates(fsutil.ExeName(d.ExeName), d.PlatformDirs...)
}

func unsupportedPlatform(name, variant, goos, goarch string) error {
	return &ConfigError{Backend: name, Msg: fmt.Sprintf("variant %q has no release for %s/%s", variant, goos, goarch)}
}
