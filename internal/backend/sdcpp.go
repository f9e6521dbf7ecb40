package backend

import (
	"fmt"
	"time"
)

func init() {
	register(&family{
		desc: Descriptor{
			Name:           SDCpp,
			Variants:       []string{"cpu", "vulkan", "rocm"},
			DefaultVariant: "cpu",
			Repo:           "leejet/stable-diffusion.cpp",
			Asset:          sdAsset,
			ExeName:        "sd-server",
			OverrideEnv:    "LEMOND_SDCPP_BIN",
			GPUVariants:    []string{"vulkan", "rocm"},
			HealthPath:     "/",
			HealthTimeout:  2 * time.Minute,
			Capabilities:   []Capability{CapImages},
			NeedsModelFile: true,
		},
		reserved: []string{"-m", "--model", "--listen-ip", "--listen-port", "--port", "--host"},
		routes: map[Capability]route{
			CapImages: {path: "/v1/images/generations", mode: modeJSON},
		},
		args: func(p launchParams) []string {
			args := []string{
				"-m", p.Model,
				"--listen-ip", "127.0.0.1",
				"--listen-port", portArg(p.Port),
			}
			return append(args, p.UserArgs...)
		},
	})
}

// sdAsset uses the "master-<n>-<sha>" release tags of stable-diffusion.cpp.
func sdAsset(version, variant, goos, goarch string) (string, error) {
	if goarch != "amd64" && !(goos == "darwin" && goarch == "arm64") {
		return "", unsupportedPlatform(SDCpp, variant, goos, goarch)
	}
	switch goos {
	case "windows":
		flavor := map[string]string{"cpu": "avx2", "vulkan": "vulkan", "rocm": "rocm"}[variant]
		return fmt.Sprintf("sd-%s-bin-win-%s-x64.zip", version, flavor), nil
	case "linux":
		if variant == "rocm" {
			return "", unsupportedPlatform(SDCpp, variant, goos, goarch)
		}
		return fmt.Sprintf("sd-%s-bin-Linux-Ubuntu-24.04-x86_64-%s.zip", version, variant), nil
	case "darwin":
		if variant != "cpu" {
			return "", unsupportedPlatform(SDCpp, variant, goos, goarch)
		}
		return fmt.Sprintf("sd-%s-bin-Darwin-macOS-arm64.zip", version), nil
	}
	return "", unsupportedPlatform(SDCpp, variant, goos, goarch)
}
