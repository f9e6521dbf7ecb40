package backend

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func init() {
	register(&family{
		desc: Descriptor{
			Name:           LlamaCpp,
			Variants:       []string{"vulkan", "rocm", "metal", "cpu"},
			DefaultVariant: "vulkan",
			Repo:           "ggml-org/llama.cpp",
			Asset:          llamaAsset,
			ExeName:        "llama-server",
			PlatformDirs:   []string{"build-vulkan/bin", "Release"},
			OverrideEnv:    "LEMOND_LLAMACPP_BIN",
			GPUVariants:    []string{"vulkan", "rocm", "metal"},
			HealthPath:     "/health",
			HealthTimeout:  5 * time.Minute,
			Capabilities:   []Capability{CapChat, CapCompletions, CapEmbeddings, CapRerank, CapResponses},
			NeedsModelFile: true,
		},
		reserved: []string{
			"-m", "--model", "--port", "--host", "-c", "--ctx-size",
			"-ngl", "--n-gpu-layers", "--gpu-layers", "--jinja", "--mmproj",
			"--embedding", "--embeddings", "--reranking", "--rerank",
		},
		routes: map[Capability]route{
			CapChat:        {path: "/v1/chat/completions", mode: modeJSON, streamable: true},
			CapCompletions: {path: "/v1/completions", mode: modeJSON, streamable: true},
			CapEmbeddings:  {path: "/v1/embeddings", mode: modeJSON},
			CapRerank:      {path: "/v1/rerank", mode: modeJSON},
			CapResponses:   {path: "/v1/responses", mode: modeJSON, streamable: true},
		},
		args:    llamaArgs,
		env:     llamaEnv,
		prepare: llamaPrepare,
	})
}

// llamaAsset follows llama.cpp release naming; ROCm builds come from a
// separate repo with their own tags but the same layout.
func llamaAsset(version, variant, goos, goarch string) (string, error) {
	switch {
	case variant == "metal" && goos == "darwin" && goarch == "arm64":
		return fmt.Sprintf("llama-%s-bin-macos-arm64.zip", version), nil
	case variant == "vulkan" && goos == "windows":
		return fmt.Sprintf("llama-%s-bin-win-vulkan-x64.zip", version), nil
	case variant == "vulkan" && goos == "linux":
		return fmt.Sprintf("llama-%s-bin-ubuntu-vulkan-x64.zip", version), nil
	case variant == "rocm" && goos == "windows":
		return fmt.Sprintf("llama-%s-windows-rocm-gfx110X-x64.zip", version), nil
	case variant == "rocm" && goos == "linux":
		return fmt.Sprintf("llama-%s-ubuntu-rocm-gfx110X-x64.zip", version), nil
	case variant == "cpu" && goos == "windows":
		return fmt.Sprintf("llama-%s-bin-win-cpu-x64.zip", version), nil
	case variant == "cpu" && goos == "linux":
		return fmt.Sprintf("llama-%s-bin-ubuntu-x64.zip", version), nil
	case variant == "cpu" && goos == "darwin" && goarch == "amd64":
		return fmt.Sprintf("llama-%s-bin-macos-x64.zip", version), nil
	}
	return "", unsupportedPlatform(LlamaCpp, variant, goos, goarch)
}

func llamaArgs(p launchParams) []string {
	ngl := "99"
	if p.Variant == "cpu" {
		ngl = "0"
	}
	args := []string{
		"-m", p.Model,
		"--host", "127.0.0.1",
		"--port", portArg(p.Port),
		"-ngl", ngl,
		"--jinja",
	}
	if p.CtxSize > 0 {
		args = append(args, "--ctx-size", fmt.Sprint(p.CtxSize))
	}
	if p.Mmproj != "" {
		args = append(args, "--mmproj", p.Mmproj)
	}
	if p.Embed {
		args = append(args, "--embeddings")
	}
	if p.Rerank {
		args = append(args, "--reranking")
	}
	return append(args, p.UserArgs...)
}

// llamaEnv lets the server find the shared libraries shipped next to it.
func llamaEnv(p launchParams) map[string]string {
	if p.GOOS != "linux" {
		return nil
	}
	dir := filepath.Dir(p.Exe)
	if cur := p.Getenv("LD_LIBRARY_PATH"); cur != "" {
		dir = dir + string(os.PathListSeparator) + cur
	}
	return map[string]string{"LD_LIBRARY_PATH": dir}
}

// llamaPrepare resolves the multimodal projector. An explicit name is
// searched for under the model's directory; vision models without one pick
// up the first mmproj*.gguf found there.
func llamaPrepare(p *launchParams) error {
	if p.Mmproj != "" && filepath.IsAbs(p.Mmproj) {
		if _, err := os.Stat(p.Mmproj); err != nil {
			return fmt.Errorf("mmproj %s: %w", p.Mmproj, err)
		}
		return nil
	}
	want := p.Mmproj
	if want == "" && !p.Vision {
		return nil
	}
	found, err := searchModelDir(filepath.Dir(p.Model), func(name string) bool {
		if want != "" {
			return name == filepath.Base(want)
		}
		lower := strings.ToLower(name)
		return strings.HasPrefix(lower, "mmproj") && strings.HasSuffix(lower, ".gguf")
	})
	if err != nil {
		return err
	}
	if found == "" && want != "" {
		return fmt.Errorf("mmproj %q not found near %s", want, p.Model)
	}
	p.Mmproj = found
	return nil
}

// searchModelDir walks root (bounded depth) and returns the first file
// whose base name matches.
func searchModelDir(root string, match func(string) bool) (string, error) {
	const maxDepth = 3
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			if rel != "." && strings.Count(rel, string(filepath.Separator)) >= maxDepth-1 {
				return filepath.SkipDir
			}
			return nil
		}
		if match(d.Name()) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found, err
}
