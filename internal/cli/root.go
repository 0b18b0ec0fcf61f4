// Package cli provides the keyreap command surface: scan, extract,
// crack, run, sessions, report, and doctor.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyreap/keyreap/internal/archive"
	"github.com/keyreap/keyreap/internal/config"
	"github.com/keyreap/keyreap/internal/pipeline"
	"github.com/keyreap/keyreap/internal/session"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Tool/path overrides layered over the config file.
	Engine    string
	Extractor string
	Keytool   string
	OutputDir string
	Archive   string

	// Attack parameters.
	Mask     string
	Wordlist string
	Timeout  time.Duration
	Workers  int
	NoEnrich bool

	// IDGen allows overriding session id generation (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGen session.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the keyreap CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "keyreap",
		Short: "Batch keystore password recovery",
		Long: "keyreap orchestrates batch password recovery for JKS/PKCS12 keystores:\n" +
			"scanning a directory tree, extracting engine-format hashes, driving the\n" +
			"GPU cracking engine, and reconciling recoveries into a reviewable report.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			setupLogging(opts.Verbose)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Engine, "engine", "", "cracking engine binary (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Extractor, "extractor", "", "hash extractor binary (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Keytool, "keytool", "", "JDK keytool binary (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.OutputDir, "output-dir", "", "artifact output directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Archive, "archive", "", "SQLite archive path (overrides config)")

	// Add subcommands
	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewExtractCommand(opts))
	cmd.AddCommand(NewCrackCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewDoctorCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// setupLogging configures the process-wide structured logger.
func setupLogging(verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// loadConfig resolves the effective configuration: file over defaults,
// flags over both.
func (opts *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cfg, err
	}

	if opts.Engine != "" {
		cfg.Engine = config.Tool{Path: opts.Engine}
	}
	if opts.Extractor != "" {
		cfg.Extractor = config.Tool{Path: opts.Extractor}
	}
	if opts.Keytool != "" {
		cfg.Keytool = config.Tool{Path: opts.Keytool}
	}
	if opts.OutputDir != "" {
		cfg.OutputDir = opts.OutputDir
		cfg.SessionDir = cfg.OutputDir + "/sessions"
		cfg.ArchivePath = cfg.OutputDir + "/archive.db"
	}
	if opts.Archive != "" {
		cfg.ArchivePath = opts.Archive
	}
	if opts.Mask != "" {
		cfg.Mask = opts.Mask
	}
	if opts.Wordlist != "" {
		cfg.Wordlist = opts.Wordlist
	}
	if opts.Timeout > 0 {
		cfg.CrackTimeout = opts.Timeout
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	if opts.NoEnrich {
		cfg.Enrich = false
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// idGenerator returns the configured session id generator.
func (opts *RootOptions) idGenerator() session.IDGenerator {
	if opts.IDGen != nil {
		return opts.IDGen
	}
	return session.UUIDv7Generator{}
}

// buildController assembles the pipeline controller plus a cleanup
// function that releases the archive handle.
func buildController(opts *RootOptions) (*pipeline.Controller, func(), error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	store, err := session.NewStore(cfg.SessionDir)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "session store", err)
	}

	var arch *archive.Archive
	cleanup := func() {}
	if cfg.ArchivePath != "" {
		arch, err = archive.Open(cfg.ArchivePath)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "open archive", err)
		}
		cleanup = func() {
			if cerr := arch.Close(); cerr != nil {
				slog.Error("error closing archive", "error", cerr)
			}
		}
	}

	ctrl := &pipeline.Controller{
		Config:   cfg,
		Sessions: store,
		Archive:  arch,
		IDs:      opts.idGenerator(),
		Logger:   slog.Default(),
	}
	return ctrl, cleanup, nil
}

// classifyPipelineError maps a pipeline failure to an exit code.
func classifyPipelineError(err error) error {
	var serr *pipeline.StageError
	if errors.As(err, &serr) && serr.InvalidInput() {
		return WrapExitError(ExitCommandError, "batch aborted", err)
	}
	return WrapExitError(ExitFailure, "batch failed", err)
}
