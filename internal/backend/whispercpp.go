package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func init() {
	register(&family{
		desc: Descriptor{
			Name:           WhisperCpp,
			Variants:       []string{"cpu", "vulkan"},
			DefaultVariant: "cpu",
			Repo:           "ggml-org/whisper.cpp",
			Asset:          whisperAsset,
			ExeName:        "whisper-server",
			PlatformDirs:   []string{"Release"},
			OverrideEnv:    "LEMOND_WHISPERCPP_BIN",
			GPUVariants:    []string{"vulkan"},
			HealthPath:     "/",
			HealthTimeout:  time.Minute,
			Capabilities:   []Capability{CapTranscriptions},
			NeedsModelFile: true,
		},
		reserved: []string{"-m", "--model", "--port", "--host", "--inference-path"},
		routes: map[Capability]route{
			CapTranscriptions: {path: "/inference", mode: modeJSON},
		},
		args: func(p launchParams) []string {
			args := []string{
				"-m", p.Model,
				"--host", "127.0.0.1",
				"--port", portArg(p.Port),
				"--inference-path", "/inference",
			}
			return append(args, p.UserArgs...)
		},
		translate: whisperTranslate,
	})
}

func whisperAsset(version, variant, goos, goarch string) (string, error) {
	if goarch != "amd64" {
		return "", unsupportedPlatform(WhisperCpp, variant, goos, goarch)
	}
	switch {
	case goos == "windows" && variant == "cpu":
		return "whisper-bin-x64.zip", nil
	case goos == "windows" && variant == "vulkan":
		return "whisper-vulkan-bin-x64.zip", nil
	case goos == "linux":
		return fmt.Sprintf("whisper-%s-bin-ubuntu-%s-x64.tar.gz", version, variant), nil
	}
	return "", unsupportedPlatform(WhisperCpp, variant, goos, goarch)
}

// whisperTranslate trims the leading space whisper.cpp puts before each
// transcript. Non-JSON formats (text, srt, vtt) pass through.
func whisperTranslate(_ Capability, body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return body, nil
	}
	text, ok := obj["text"].(string)
	if !ok {
		return body, nil
	}
	obj["text"] = strings.TrimSpace(text)
	return json.Marshal(obj)
}
