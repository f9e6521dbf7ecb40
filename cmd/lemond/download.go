package main

import (
	"github.com/spf13/cobra"

	"lemond/internal/download"
)

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var sha string
	cmd := &cobra.Command{
		Use:     "download <url> <dest>",
		Short:   "Fetch a file with resume and retry (http(s) or s3:// through the mirror)",
		Example: "  lemond download https://example.com/model.gguf ./model.gguf",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			last := -1
			res, err := a.fetcher.Download(cmd.Context(), args[0], args[1], download.Options{
				SHA256: sha,
				Progress: func(done, total int64) {
					if total <= 0 {
						return
					}
					if pct := int(done * 100 / total); pct/10 != last/10 {
						last = pct
						cmd.PrintErrf("\r%3d%% (%d/%d bytes)", pct, done, total)
					}
				},
			})
			if last >= 0 {
				cmd.PrintErrln()
			}
			if err != nil {
				return err
			}
			if res.AlreadyComplete {
				cmd.Printf("%s already complete\n", res.Path)
				return nil
			}
			cmd.Printf("%s: %d bytes in %d attempt(s)\n", res.Path, res.BytesTransferred, res.Attempts)
			if res.Warning != "" {
				cmd.PrintErrln("warning:", res.Warning)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sha, "sha256", "", "Expected SHA-256 of the file")
	return cmd
}
