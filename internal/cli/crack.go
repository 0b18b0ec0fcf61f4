package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewCrackCommand creates the crack command: drive the engine over a
// pre-built hash corpus, skipping scan and extraction.
func NewCrackCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crack <corpus-file>",
		Short: "Crack a pre-extracted hash corpus",
		Long: `Run the cracking engine over a corpus file of engine-format hash lines,
one per line, such as one produced by "keyreap extract". Items get
synthetic line-numbered identities; no certificate enrichment runs.

Example:
  keyreap crack all.hash --wordlist rockyou.txt`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrack(rootOpts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&rootOpts.Mask, "mask", "", "engine mask for brute-force attacks (overrides config)")
	cmd.Flags().StringVar(&rootOpts.Wordlist, "wordlist", "", "wordlist path for dictionary attacks (overrides config)")
	cmd.Flags().DurationVar(&rootOpts.Timeout, "timeout", 0, "bound on the whole engine run (overrides config)")

	return cmd
}

func runCrack(opts *RootOptions, cmd *cobra.Command, corpusPath string) error {
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

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, stopping engine", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	rep, s, err := ctrl.CrackCorpus(ctx, corpusPath)
	if err != nil {
		return classifyPipelineError(err)
	}
	return printReport(out, opts, rep, s)
}
