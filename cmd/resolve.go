// File: cmd/resolve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/docfix-cli/internal/config"
	"github.com/xkilldash9x/docfix-cli/internal/observability"
	"github.com/xkilldash9x/docfix-cli/internal/pipeline"
	"github.com/xkilldash9x/docfix-cli/internal/targeting"
)

// json keeps markup readable in output; fragments are full of angle brackets.
var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// resolveResult is one line of resolve output. Exactly one of Resolution and Error is set.
type resolveResult struct {
	Name       string                `json:"name,omitempty"`
	Resolution *targeting.Resolution `json:"resolution,omitempty"`
	Error      string                `json:"error,omitempty"`
	Review     bool                  `json:"needs_review,omitempty"`
}

func newResolveCmd() *cobra.Command {
	var xmlPath, obsPath, batchDir string
	var depth, concurrency int

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Locate a commented element in a topic offline",
		Long: `Runs the element locator against saved inputs and prints the resolution as JSON.

With --xml and --observation a single topic is resolved. With --batch every NAME.xml in
the folder is resolved against its NAME.json observation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			opts := pipeline.ResolverOptions(cfg.Resolver)
			if cmd.Flags().Changed("depth") {
				if depth < 0 {
					return fmt.Errorf("--depth must not be negative")
				}
				opts.AncestorDepth = depth
			}
			resolver := targeting.NewResolver(opts, observability.GetLogger())

			switch {
			case batchDir != "":
				return runBatchResolve(cmd.Context(), cmd.OutOrStdout(), resolver, batchDir, concurrency)
			case xmlPath != "" && obsPath != "":
				res := resolveOne(resolver, "", xmlPath, obsPath)
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Error != "" {
					return errors.New(res.Error)
				}
				return nil
			default:
				return fmt.Errorf("either --batch or both --xml and --observation are required")
			}
		},
	}
	cmd.Flags().StringVar(&xmlPath, "xml", "", "topic XML file")
	cmd.Flags().StringVar(&obsPath, "observation", "", "observation JSON file")
	cmd.Flags().IntVar(&depth, "depth", config.NewDefaultConfig().Resolver.AncestorDepth, "ancestor levels included in the fragment")
	cmd.Flags().StringVar(&batchDir, "batch", "", "folder of NAME.xml / NAME.json pairs")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "topics resolved in parallel with --batch")
	cmd.MarkFlagsMutuallyExclusive("batch", "xml")
	cmd.MarkFlagsMutuallyExclusive("batch", "observation")
	return cmd
}

// resolveOne never fails; errors are reported in the result so a batch keeps going.
func resolveOne(resolver *targeting.Resolver, name, xmlPath, obsPath string) resolveResult {
	res := resolveResult{Name: name}
	src, err := os.ReadFile(xmlPath)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	obs, err := readObservation(obsPath)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	r, err := resolver.Resolve(string(src), obs)
	if err != nil {
		res.Error = err.Error()
		res.Review = targeting.NeedsReview(err)
		return res
	}
	res.Resolution = r
	return res
}

func readObservation(path string) (targeting.Observation, error) {
	var obs targeting.Observation
	data, err := os.ReadFile(path)
	if err != nil {
		return obs, err
	}
	if err := json.Unmarshal(data, &obs); err != nil {
		return obs, fmt.Errorf("failed to decode observation %s: %w", path, err)
	}
	return obs, nil
}

func runBatchResolve(ctx context.Context, out io.Writer, resolver *targeting.Resolver, dir string, concurrency int) error {
	logger := observability.GetLogger()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read batch folder: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		}
	}
	sort.Strings(names)
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]resolveResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = resolveOne(resolver, name,
				filepath.Join(dir, name+".xml"),
				filepath.Join(dir, name+".json"))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	logger.Info("Batch resolved.", zap.Int("topics", len(results)), zap.Int("unresolved", failed))
	return writeJSON(out, results)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
