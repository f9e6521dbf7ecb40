package backend

import "time"

func init() {
	register(&family{
		desc: Descriptor{
			Name:           FLM,
			Variants:       []string{"npu"},
			DefaultVariant: "npu",
			Repo:           "FastFlowLM/FastFlowLM",
			Asset:          flmAsset,
			ExeName:        "flm",
			OverrideEnv:    "LEMOND_FLM_BIN",
			HealthPath:     "/v1/models",
			HealthTimeout:  2 * time.Minute,
			Capabilities:   []Capability{CapChat, CapCompletions, CapEmbeddings},
			// flm pulls and caches its own checkpoints by name.
			NeedsModelFile: false,
		},
		reserved: []string{"serve", "--port", "--host", "--embed"},
		routes: map[Capability]route{
			CapChat:        {path: "/v1/chat/completions", mode: modeJSON, streamable: true},
			CapCompletions: {path: "/v1/completions", mode: modeJSON, streamable: true},
			CapEmbeddings:  {path: "/v1/embeddings", mode: modeJSON},
		},
		args: func(p launchParams) []string {
			model := p.Model
			if model == "" {
				model = p.ModelID
			}
			args := []string{"serve", model, "--port", portArg(p.Port)}
			if p.Embed {
				args = append(args, "--embed", "1")
			}
			return append(args, p.UserArgs...)
		},
	})
}

func flmAsset(version, variant, goos, goarch string) (string, error) {
	if goos != "windows" || goarch != "amd64" {
		return "", unsupportedPlatform(FLM, variant, goos, goarch)
	}
	return "flm-windows-x64-" + version + ".zip", nil
}
