package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keyreap/keyreap/internal/crack"
	"github.com/keyreap/keyreap/internal/report"
	"github.com/keyreap/keyreap/internal/session"
)

// NewRunCommand creates the run command: the full batch pipeline.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Run the full batch recovery pipeline over a path",
		Long: `Scan a path for keystores, extract engine-format hashes, drive the
cracking engine, reconcile recoveries, enrich cracked keystores with
certificate metadata, and write JSON and XLSX reports.

Progress is checkpointed after every stage; an interrupted run can be
continued with --session.

Examples:
  keyreap run ./keystores
  keyreap run ./keystores --wordlist rockyou.txt --timeout 2h
  keyreap run --session 0190f3a2-...`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" && len(args) == 0 {
				return NewExitError(ExitCommandError, "a path or --session is required")
			}
			root := ""
			if len(args) == 1 {
				root = args[0]
			}
			return runBatch(rootOpts, cmd, root, sessionID)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "continue an interrupted session instead of starting fresh")
	cmd.Flags().StringVar(&rootOpts.Mask, "mask", "", "engine mask for brute-force attacks (overrides config)")
	cmd.Flags().StringVar(&rootOpts.Wordlist, "wordlist", "", "wordlist path for dictionary attacks (overrides config)")
	cmd.Flags().DurationVar(&rootOpts.Timeout, "timeout", 0, "bound on the whole engine run (overrides config)")
	cmd.Flags().IntVar(&rootOpts.Workers, "workers", 0, "extraction/enrichment worker bound (overrides config)")
	cmd.Flags().BoolVar(&rootOpts.NoEnrich, "no-enrich", false, "skip certificate metadata enrichment")

	return cmd
}

func runBatch(opts *RootOptions, cmd *cobra.Command, root, sessionID string) error {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	ctrl, cleanup, err := buildController(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.Format == "text" {
		ctrl.Progress = progressPrinter(cmd.ErrOrStderr())
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, checkpointing and stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	var (
		rep *report.Report
		s   *session.BatchSession
	)
	if sessionID != "" {
		rep, s, err = ctrl.Resume(ctx, sessionID)
	} else {
		rep, s, err = ctrl.Run(ctx, root)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			id := sessionID
			if s != nil {
				id = s.ID
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "interrupted; continue with: keyreap run --session %s\n", id)
			return NewExitError(ExitFailure, "batch interrupted")
		}
		return classifyPipelineError(err)
	}

	return printReport(out, opts, rep, s)
}

// progressPrinter renders engine snapshots as single-line status updates.
func progressPrinter(w io.Writer) func(crack.Snapshot) {
	return func(snap crack.Snapshot) {
		fmt.Fprintf(w, "engine: %d/%d recovered, %d/%d candidates, %d H/s\n",
			snap.Recovered, snap.Total, snap.ProgressDone, snap.ProgressTotal, snap.Speed)
	}
}

// printReport writes the batch summary in the configured format.
func printReport(out *OutputFormatter, opts *RootOptions, rep *report.Report, s *session.BatchSession) error {
	if opts.Format == "json" {
		return out.Success(rep)
	}

	sum := rep.Summary
	fmt.Fprintf(out.Writer, "session %s: %d item(s), %d cracked, %d exhausted, %d errored\n",
		sum.SessionID, sum.Total, sum.Cracked, sum.Exhausted, sum.Errored)
	for _, rec := range rep.Records {
		switch rec.Status {
		case crack.StatusCracked:
			fmt.Fprintf(out.Writer, "  %-24s cracked: %s\n", rec.Identity, rec.RecoveredSecret)
		case crack.StatusExhausted:
			fmt.Fprintf(out.Writer, "  %-24s exhausted\n", rec.Identity)
		default:
			msg := string(rec.Status)
			if rec.Error != "" {
				msg += ": " + rec.Error
			}
			fmt.Fprintf(out.Writer, "  %-24s %s\n", rec.Identity, msg)
		}
	}
	if s != nil {
		fmt.Fprintf(out.Writer, "artifacts: %s\n", outDirOf(opts, s))
	}
	return nil
}

// outDirOf reproduces the controller's per-session artifact directory.
func outDirOf(opts *RootOptions, s *session.BatchSession) string {
	cfg, err := opts.loadConfig()
	if err != nil {
		return s.ID
	}
	return cfg.OutputDir + "/" + s.ID
}
