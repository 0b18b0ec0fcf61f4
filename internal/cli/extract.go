package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/keyreap/keyreap/internal/extract"
	"github.com/keyreap/keyreap/internal/scan"
)

// NewExtractCommand creates the extract command: scan plus hash
// extraction, writing the combined corpus without cracking anything.
func NewExtractCommand(rootOpts *RootOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "extract <path>",
		Short: "Extract engine-format hashes from keystores under a path",
		Long: `Scan a path and run the hash extraction tool over every discovered
keystore, writing the combined hash corpus. Useful for feeding the
corpus to an engine on another machine; crack it later with
"keyreap crack".

Example:
  keyreap extract ./keystores -o all.hash`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(rootOpts, cmd, args[0], outPath)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "all.hash", "corpus output path")
	cmd.Flags().IntVar(&rootOpts.Workers, "workers", 0, "extraction worker bound (overrides config)")

	return cmd
}

func runExtract(opts *RootOptions, cmd *cobra.Command, root, outPath string) error {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	scanner := &scan.Scanner{Logger: slog.Default()}
	res, err := scanner.Scan(root)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) || errors.Is(err, scan.ErrUnsupportedFile) {
			return WrapExitError(ExitCommandError, "scan failed", err)
		}
		return WrapExitError(ExitFailure, "scan failed", err)
	}
	if len(res.Items) == 0 {
		if opts.Format == "json" {
			return out.Success(map[string]interface{}{"items": 0, "extracted": 0})
		}
		fmt.Fprintln(out.Writer, "no keystore items discovered")
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	stage := &extract.Stage{
		Tool:    cfg.ExtractorTool(),
		Timeout: cfg.ExtractTimeout,
		Workers: cfg.Workers,
		Logger:  slog.Default(),
	}
	corpus := extract.NewCorpus()
	results := stage.Run(ctx, res.Items, corpus)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out.ErrWriter, "extract %s: %v\n", r.Identity, r.Err)
		}
	}
	if corpus.Len() == 0 {
		return WrapExitError(ExitFailure, "extraction produced no hashes",
			fmt.Errorf("%d of %d item(s) failed", failed, len(res.Items)))
	}

	if err := corpus.WriteFile(outPath); err != nil {
		return WrapExitError(ExitFailure, "write corpus", err)
	}

	if opts.Format == "json" {
		return out.Success(map[string]interface{}{
			"items":     len(res.Items),
			"extracted": corpus.Len(),
			"failed":    failed,
			"corpus":    outPath,
		})
	}
	fmt.Fprintf(out.Writer, "%d of %d item(s) extracted to %s\n", corpus.Len(), len(res.Items), outPath)
	return nil
}
