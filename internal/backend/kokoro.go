package backend

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// kokoroLegacyVersion predates the manifest entry.
const kokoroLegacyVersion = "v0.1.0"

func init() {
	register(&family{
		desc: Descriptor{
			Name:                 Kokoro,
			Variants:             []string{"cpu"},
			DefaultVariant:       "cpu",
			Repo:                 "lemonade-sdk/Kokoros",
			Asset:                kokoroAsset,
			ExeName:              "koko",
			OverrideEnv:          "LEMOND_KOKORO_BIN",
			LegacyDefaultVersion: kokoroLegacyVersion,
			HealthPath:           "/",
			HealthTimeout:        time.Minute,
			Capabilities:         []Capability{CapSpeech},
			NeedsModelFile:       true,
		},
		reserved: []string{"openai", "--ip", "--port", "-m", "--model", "-d", "--data"},
		routes: map[Capability]route{
			CapSpeech: {path: "/v1/audio/speech", mode: modeRaw},
		},
		args: func(p launchParams) []string {
			args := []string{"-m", p.Model}
			if p.Voices != "" {
				args = append(args, "-d", p.Voices)
			}
			args = append(args, "openai", "--ip", "127.0.0.1", "--port", portArg(p.Port))
			return append(args, p.UserArgs...)
		},
		prepare: func(p *launchParams) error {
			if p.Voices != "" {
				return nil
			}
			found, err := searchModelDir(filepath.Dir(p.Model), func(name string) bool {
				lower := strings.ToLower(name)
				return strings.HasPrefix(lower, "voices") && strings.HasSuffix(lower, ".bin")
			})
			if err != nil {
				return err
			}
			p.Voices = found
			return nil
		},
	})
}

func kokoroAsset(version, variant, goos, goarch string) (string, error) {
	switch {
	case goos == "windows" && goarch == "amd64":
		return "kokoros-windows-x86_64.zip", nil
	case goos == "linux" && goarch == "amd64":
		return "kokoros-linux-x86_64.tar.gz", nil
	case goos == "darwin" && goarch == "arm64":
		return fmt.Sprintf("kokoros-%s-macos-arm64.tar.gz", version), nil
	}
	return "", unsupportedPlatform(Kokoro, variant, goos, goarch)
}
