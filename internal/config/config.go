// Package config defines the runtime configuration: external tool
// locations, working directories, attack parameters, and concurrency
// limits. Values come from an optional YAML file layered over built-in
// defaults; command-line flags override both.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keyreap/keyreap/internal/extract"
)

// Tool locates an external binary plus any fixed leading arguments, so a
// JVM-hosted tool can be configured as path=java args=[-jar, prepare.jar].
type Tool struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
}

// Config is the full runtime configuration.
type Config struct {
	// Engine is the GPU cracking binary.
	Engine Tool `yaml:"engine"`
	// Extractor converts a keystore into an engine-format hash line.
	Extractor Tool `yaml:"extractor"`
	// Keytool is the JDK keytool used for certificate enrichment.
	Keytool Tool `yaml:"keytool"`

	// OutputDir receives per-session artifacts (corpus, potfile, reports).
	OutputDir string `yaml:"output_dir"`
	// SessionDir holds the durable session JSON files.
	SessionDir string `yaml:"session_dir"`
	// ArchivePath is the SQLite archive database.
	ArchivePath string `yaml:"archive_path"`

	// Mask is the engine mask, Wordlist an optional dictionary path.
	Mask     string   `yaml:"mask,omitempty"`
	Wordlist string   `yaml:"wordlist,omitempty"`
	Rules    []string `yaml:"rules,omitempty"`

	// Workers bounds concurrent extraction and enrichment.
	Workers int `yaml:"workers,omitempty"`
	// ExtractTimeout bounds one extractor invocation per keystore.
	ExtractTimeout time.Duration `yaml:"extract_timeout,omitempty"`
	// CrackTimeout bounds the whole engine run; zero means unbounded.
	CrackTimeout time.Duration `yaml:"crack_timeout,omitempty"`
	// StatusTimer is the engine-side status interval in seconds.
	StatusTimer int `yaml:"status_timer,omitempty"`
	// PollInterval is the progress publish interval.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// GPUTuning enables the aggressive engine device options.
	GPUTuning bool `yaml:"gpu_tuning,omitempty"`
	// Enrich runs certificate metadata extraction over cracked items.
	Enrich bool `yaml:"enrich,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine:         Tool{Path: "hashcat"},
		Extractor:      Tool{Path: "java", Args: []string{"-jar", "JksPrivkPrepare.jar"}},
		Keytool:        Tool{Path: "keytool"},
		OutputDir:      "keyreap-out",
		SessionDir:     "keyreap-out/sessions",
		ArchivePath:    "keyreap-out/archive.db",
		ExtractTimeout: 60 * time.Second,
		StatusTimer:    5,
		PollInterval:   time.Second,
		GPUTuning:      true,
		Enrich:         true,
	}
}

// Load layers the YAML file at path over the defaults. Unknown fields are
// rejected so typos fail loudly. An empty path returns the defaults; a
// missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the constraints flags and YAML share.
func (c *Config) Validate() error {
	if c.Engine.Path == "" {
		return errors.New("engine path must not be empty")
	}
	if c.Extractor.Path == "" {
		return errors.New("extractor path must not be empty")
	}
	if c.OutputDir == "" {
		return errors.New("output_dir must not be empty")
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if c.Mask != "" && c.Wordlist != "" {
		return errors.New("mask and wordlist are mutually exclusive")
	}
	if len(c.Rules) > 0 && c.Wordlist == "" {
		return errors.New("rules require a wordlist")
	}
	return nil
}

// ExtractorTool adapts the configured extractor for the extraction stage.
func (c *Config) ExtractorTool() extract.Tool {
	return extract.Tool{Path: c.Extractor.Path, Args: c.Extractor.Args}
}
