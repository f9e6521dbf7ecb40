package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// stringSetting applies flag > env > current (file or default) precedence.
func stringSetting(cmd *cobra.Command, flag, env string, target *string) {
	if f := cmd.Flag(flag); f != nil && f.Changed {
		*target = f.Value.String()
		return
	}
	if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
		*target = strings.TrimSpace(v)
	}
}

// splitCSV splits a comma separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
