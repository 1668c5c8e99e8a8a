// File: cmd/upload.go
package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/docfix-cli/internal/archive"
	"github.com/xkilldash9x/docfix-cli/internal/network"
	"github.com/xkilldash9x/docfix-cli/internal/observability"
)

// uploadTimeout bounds each contents API request.
const uploadTimeout = 60 * time.Second

func newUploadCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a local content folder to the archive repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			if err := cfg.Archive.Validate(); err != nil {
				return err
			}
			httpClient, err := network.NewClient(cfg.Network, uploadTimeout, logger)
			if err != nil {
				return err
			}
			uploader, err := archive.NewUploader(cfg.Archive, httpClient, logger)
			if err != nil {
				return err
			}
			res, err := uploader.Upload(cmd.Context(), dir)
			if res != nil {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Uploaded: %d\nAlready present: %d\nFailed: %d\n", len(res.Uploaded), len(res.Existing), len(res.Failed))
				failed := make([]string, 0, len(res.Failed))
				for p := range res.Failed {
					failed = append(failed, p)
				}
				sort.Strings(failed)
				for _, p := range failed {
					fmt.Fprintf(out, "  %s: %v\n", p, res.Failed[p])
				}
			}
			if err != nil {
				return err
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d files failed to upload", len(res.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "local folder to upload (required)")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}
