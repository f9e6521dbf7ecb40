package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lemond/internal/backend"
	"lemond/pkg/types"
)

func newInstallCmd(opts *rootOptions) *cobra.Command {
	var (
		variant     string
		all         bool
		parallelism int
	)
	cmd := &cobra.Command{
		Use:     "install [backend...]",
		Short:   "Download and install engine builds",
		Example: "  lemond install llamacpp --variant cpu\n  lemond install --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if all {
				names = backend.Names()
			}
			if len(names) == 0 {
				return fmt.Errorf("install requires a backend name or --all (known: %v)", backend.Names())
			}
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			env := a.backendEnv(nil, nil)

			var (
				mu      sync.Mutex
				results []types.InstallResponse
			)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(parallelism, 1))
			for _, name := range names {
				name := name
				g.Go(func() error {
					v := variant
					if all {
						v = ""
					}
					res, err := backend.Install(ctx, name, v, env)
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					mu.Lock()
					results = append(results, res)
					mu.Unlock()
					return nil
				})
			}
			err = g.Wait()
			for _, r := range results {
				cmd.Printf("%s (%s) %s -> %s\n", r.Backend, r.Variant, r.Version, r.Executable)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "Acceleration variant (default: the family default)")
	cmd.Flags().BoolVar(&all, "all", false, "Install the default variant of every family supported on this platform")
	cmd.Flags().IntVar(&parallelism, "parallel", 2, "Concurrent installs with --all")
	return cmd
}
