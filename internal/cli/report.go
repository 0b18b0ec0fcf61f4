package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyreap/keyreap/internal/report"
	"github.com/keyreap/keyreap/internal/session"
)

// NewReportCommand creates the report command: rebuild the batch report
// from a session's persisted state without re-running any stage.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		jsonPath string
		xlsxPath string
	)

	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Regenerate reports from a persisted session",
		Long: `Rebuild the JSON and XLSX reports for a session from its checkpoint
file. No tools run; the report reflects the session's last persisted
state, so it works on interrupted sessions too.

Example:
  keyreap report 0190f3a2-... --xlsx results.xlsx`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(rootOpts, cmd, args[0], jsonPath, xlsxPath)
		},
	}

	cmd.Flags().StringVar(&jsonPath, "json", "", "write the JSON report to this path")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "write the XLSX report to this path")

	return cmd
}

func runReport(opts *RootOptions, cmd *cobra.Command, id, jsonPath, xlsxPath string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	store, err := session.NewStore(cfg.SessionDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "session store", err)
	}

	s, err := store.Load(id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return WrapExitError(ExitCommandError, "session not found", err)
		}
		return WrapExitError(ExitFailure, "load session", err)
	}

	// Enrichment is not persisted; a regenerated report carries the
	// recovery outcomes without certificate metadata.
	rep := report.Build(s, nil, nil, time.Now())

	if jsonPath == "" && xlsxPath == "" {
		jsonPath = filepath.Join(cfg.OutputDir, s.ID, "report.json")
		xlsxPath = filepath.Join(cfg.OutputDir, s.ID, "report.xlsx")
	}
	if jsonPath != "" {
		if err := rep.WriteJSONFile(jsonPath); err != nil {
			return WrapExitError(ExitFailure, "write JSON report", err)
		}
	}
	if xlsxPath != "" {
		if err := rep.WriteXLSX(xlsxPath); err != nil {
			return WrapExitError(ExitFailure, "write XLSX report", err)
		}
	}

	if opts.Format == "json" {
		return out.Success(rep)
	}
	sum := rep.Summary
	fmt.Fprintf(out.Writer, "session %s: %d item(s), %d cracked, %d exhausted, %d errored, %d pending\n",
		sum.SessionID, sum.Total, sum.Cracked, sum.Exhausted, sum.Errored, sum.Pending)
	if jsonPath != "" {
		fmt.Fprintf(out.Writer, "wrote %s\n", jsonPath)
	}
	if xlsxPath != "" {
		fmt.Fprintf(out.Writer, "wrote %s\n", xlsxPath)
	}
	return nil
}
