package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/keyreap/keyreap/internal/scan"
)

// NewScanCommand creates the scan command: discovery only, no tools run.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <path>",
		Short: "Discover keystore items under a path",
		Long: `Classify a path (single keystore, flat directory, or batch tree) and
enumerate the keystore items a batch run would process. Nothing is
extracted or cracked.

Example:
  keyreap scan ./keystores
  keyreap scan release.jks --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(rootOpts, args[0], cmd)
		},
	}
}

func runScan(opts *RootOptions, root string, cmd *cobra.Command) error {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scanner := &scan.Scanner{Logger: slog.Default()}
	res, err := scanner.Scan(root)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) || errors.Is(err, scan.ErrUnsupportedFile) {
			return WrapExitError(ExitCommandError, "scan failed", err)
		}
		return WrapExitError(ExitFailure, "scan failed", err)
	}

	if opts.Format == "json" {
		return out.Success(res)
	}

	fmt.Fprintf(out.Writer, "%s (%s mode): %d item(s)\n", res.Root, res.Mode, len(res.Items))
	for _, item := range res.Items {
		fmt.Fprintf(out.Writer, "  %-24s %s\n", item.Identity, item.FilePath)
	}
	return nil
}
