package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/keyreap/keyreap/internal/archive"
	"github.com/keyreap/keyreap/internal/crack"
	"github.com/keyreap/keyreap/internal/session"
)

// NewSessionsCommand creates the sessions command group: list, show,
// rm, and the cross-run history kept in the archive.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sessions",
		Short:         "Inspect and manage batch sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(rootOpts, cmd)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "show <session-id>",
		Short:         "Show one session's persisted state",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(rootOpts, cmd, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "rm <session-id>",
		Short:         "Delete a session's checkpoint file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsRm(rootOpts, cmd, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "history",
		Short:         "List every recorded run from the archive",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsHistory(rootOpts, cmd)
		},
	})

	return cmd
}

func sessionStore(opts *RootOptions) (*session.Store, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	store, err := session.NewStore(cfg.SessionDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "session store", err)
	}
	return store, nil
}

func runSessionsList(opts *RootOptions, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	store, err := sessionStore(opts)
	if err != nil {
		return err
	}
	sessions, err := store.List()
	if err != nil {
		return WrapExitError(ExitFailure, "list sessions", err)
	}

	if opts.Format == "json" {
		return out.Success(sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out.Writer, "no sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(out.Writer, "%s  %-12s %-32s %d item(s)\n", s.ID, s.Phase, s.RootPath, len(s.Items))
	}
	return nil
}

func runSessionsShow(opts *RootOptions, cmd *cobra.Command, id string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	store, err := sessionStore(opts)
	if err != nil {
		return err
	}
	s, err := store.Load(id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return WrapExitError(ExitCommandError, "session not found", err)
		}
		return WrapExitError(ExitFailure, "load session", err)
	}

	if opts.Format == "json" {
		return out.Success(s)
	}

	fmt.Fprintf(out.Writer, "session %s\n", s.ID)
	fmt.Fprintf(out.Writer, "  root:    %s\n", s.RootPath)
	fmt.Fprintf(out.Writer, "  phase:   %s\n", s.Phase)
	if s.Failure != "" {
		fmt.Fprintf(out.Writer, "  failure: %s\n", s.Failure)
	}
	fmt.Fprintf(out.Writer, "  items:   %d (%d extracted)\n", len(s.Items), len(s.Records))
	cracked, exhausted := 0, 0
	for _, o := range s.Outcomes {
		switch o.Status {
		case crack.StatusCracked:
			cracked++
		case crack.StatusExhausted:
			exhausted++
		}
	}
	fmt.Fprintf(out.Writer, "  cracked: %d, exhausted: %d\n", cracked, exhausted)
	fmt.Fprintf(out.Writer, "  updated: %s\n", s.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func runSessionsRm(opts *RootOptions, cmd *cobra.Command, id string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	store, err := sessionStore(opts)
	if err != nil {
		return err
	}
	if err := store.Delete(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return WrapExitError(ExitCommandError, "session not found", err)
		}
		return WrapExitError(ExitFailure, "delete session", err)
	}

	if opts.Format == "json" {
		return out.Success(map[string]interface{}{"deleted": id})
	}
	fmt.Fprintf(out.Writer, "deleted %s\n", id)
	return nil
}

func runSessionsHistory(opts *RootOptions, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if cfg.ArchivePath == "" {
		return NewExitError(ExitCommandError, "no archive configured")
	}

	arch, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open archive", err)
	}
	defer func() {
		if cerr := arch.Close(); cerr != nil {
			slog.Error("error closing archive", "error", cerr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := arch.ListSessions(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "list archive sessions", err)
	}

	if opts.Format == "json" {
		return out.Success(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out.Writer, "no recorded runs")
		return nil
	}
	for _, r := range rows {
		fmt.Fprintf(out.Writer, "%s  %-12s %-32s %d item(s), %d cracked, %d exhausted, %d errored\n",
			r.ID, r.Phase, r.RootPath, r.Items, r.Cracked, r.Exhausted, r.Errored)
	}
	return nil
}
