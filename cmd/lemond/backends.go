package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lemond/internal/backend"
	"lemond/pkg/types"
)

// backendService adapts the backend package to the HTTP layer.
type backendService struct {
	env backend.Env
}

func (b backendService) Install(ctx context.Context, name, variant string) (types.InstallResponse, error) {
	return backend.Install(ctx, name, variant, b.env)
}

func (b backendService) Status() []types.BackendStatus {
	names := backend.Names()
	out := make([]types.BackendStatus, 0, len(names))
	for _, n := range names {
		if st, ok := backend.Describe(n, b.env); ok {
			out = append(out, st)
		}
	}
	return out
}

func newBackendsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "Show engine families, required versions and what is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			svc := backendService{env: a.backendEnv(nil, nil)}
			return printBackends(cmd.OutOrStdout(), svc.Status())
		},
	}
}

func printBackends(w io.Writer, all []types.BackendStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tVARIANT\tREQUIRED\tINSTALLED\tSTATUS")
	for _, b := range all {
		for _, v := range b.Variants {
			name := b.Name
			if v.Variant == b.DefaultVariant && len(b.Variants) > 1 {
				name += " *"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, v.Variant, dash(v.RequiredVersion), dash(v.InstalledVersion), variantState(v))
		}
		if b.Override != "" {
			fmt.Fprintf(tw, "%s\t(override)\t-\t-\t%s\n", b.Name, b.Override)
		}
	}
	return tw.Flush()
}

func variantState(v types.VariantStatus) string {
	switch {
	case v.Unavailable != "":
		return "unavailable: " + v.Unavailable
	case v.UpToDate:
		return "ok"
	case v.InstalledVersion != "":
		return "stale"
	default:
		return "not installed"
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
