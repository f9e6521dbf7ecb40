package main

import (
	"github.com/spf13/cobra"

	"lemond/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	binRoot    string
	manifest   string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "lemond",
		Short:         "Local OpenAI-compatible gateway for llama.cpp, whisper.cpp, Kokoro, stable-diffusion.cpp and FastFlowLM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Config file (.yaml, .json or .toml; env LEMOND_CONFIG)")
	pf.StringVar(&opts.binRoot, "bin-root", "", "Directory for installed engines (env LEMOND_BIN_ROOT)")
	pf.StringVar(&opts.manifest, "manifest", "", "Versions manifest overriding the embedded one (env LEMOND_MANIFEST)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error|off (env LEMOND_LOG_LEVEL)")

	root.AddCommand(
		newServeCmd(opts),
		newInstallCmd(opts),
		newDownloadCmd(opts),
		newBackendsCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file and layers env and flags on top.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, error) {
	path := opts.configPath
	stringSetting(cmd, "config", "LEMOND_CONFIG", &path)
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	stringSetting(cmd, "bin-root", "LEMOND_BIN_ROOT", &cfg.BinRoot)
	stringSetting(cmd, "manifest", "LEMOND_MANIFEST", &cfg.ManifestPath)
	stringSetting(cmd, "log-level", "LEMOND_LOG_LEVEL", &cfg.Log.Level)
	return cfg, cfg.ApplyDefaults()
}

// openApp is loadConfig followed by newApp.
func openApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println("lemond", version)
			return nil
		},
	}
}
