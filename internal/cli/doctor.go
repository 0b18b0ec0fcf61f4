package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDoctorCommand creates the doctor command: probe the configured
// external tools and report which are launchable.
func NewDoctorCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "doctor",
		Short:         "Check that the configured external tools are available",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(rootOpts, cmd)
		},
	}
}

func runDoctor(opts *RootOptions, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	ctrl, cleanup, err := buildController(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	checks := ctrl.Doctor()

	missing := 0
	for _, chk := range checks {
		if !chk.Available {
			missing++
		}
	}

	if opts.Format == "json" {
		if err := out.Success(checks); err != nil {
			return err
		}
	} else {
		for _, chk := range checks {
			status := "ok"
			if !chk.Available {
				status = "MISSING"
			}
			fmt.Fprintf(out.Writer, "%-10s %-8s %s\n", chk.Name, status, chk.Path)
		}
	}

	if missing > 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("%d tool(s) not available", missing))
	}
	return nil
}
