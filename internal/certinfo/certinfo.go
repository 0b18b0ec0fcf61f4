// Package certinfo enriches cracked keystores with certificate metadata:
// alias discovery, store-type detection, certificate details, and the
// MD5/SHA1 fingerprints of the exported signing certificate.
//
// Enrichment requires the recovered store password, so it only ever runs
// over cracked items, after reconciliation.
package certinfo

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keyreap/keyreap/internal/execx"
)

// Info is the certificate metadata extracted from one cracked keystore.
// Fingerprints are uppercase hex without separators, matching the format
// downstream signature-comparison tooling expects.
type Info struct {
	Identity      string   `json:"identity"`
	Aliases       []string `json:"aliases"`
	PrimaryAlias  string   `json:"primary_alias"`
	StoreType     string   `json:"store_type"`
	PublicKeyMD5  string   `json:"public_key_md5"`
	PublicKeySHA1 string   `json:"public_key_sha1"`
	Subject       string   `json:"subject,omitempty"`
	Issuer        string   `json:"issuer,omitempty"`
	ValidFrom     string   `json:"valid_from,omitempty"`
	ValidTo       string   `json:"valid_to,omitempty"`
	SigAlgorithm  string   `json:"signature_algorithm,omitempty"`
}

// Target is one cracked keystore to enrich.
type Target struct {
	Identity string
	FilePath string
	Password string
}

// Result pairs a target with its enrichment outcome. Err is set when the
// target could not be enriched; enrichment failures never fail the batch.
type Result struct {
	Identity string
	Info     *Info
	Err      error
}

// store types tried in order; JKS keystores refuse the PKCS12 loader and
// vice versa, so the first type that lists cleanly wins.
var storeTypes = []string{"JKS", "PKCS12"}

// aliasLine matches a keytool -list entry line: "alias, <date>, <entry kind>".
var aliasLine = regexp.MustCompile(`(?i)^([^,\s]+),\s+.*(?:PrivateKeyEntry|trustedCertEntry|SecretKeyEntry)`)

var detailPatterns = map[string]*regexp.Regexp{
	"subject":   regexp.MustCompile(`(?im)^Owner:\s*(.+?)\s*$`),
	"issuer":    regexp.MustCompile(`(?im)^Issuer:\s*(.+?)\s*$`),
	"validFrom": regexp.MustCompile(`(?i)Valid from:\s*(.+?)\s+until:`),
	"validTo":   regexp.MustCompile(`(?im)until:\s*(.+?)\s*$`),
	"sigAlg":    regexp.MustCompile(`(?im)^Signature algorithm name:\s*(.+?)\s*$`),
}

// Extractor drives the JDK keytool binary.
type Extractor struct {
	// KeytoolPath is the keytool binary; defaults to "keytool" on PATH.
	KeytoolPath string
	// Timeout bounds each keytool invocation (default 30s).
	Timeout time.Duration
	// Workers bounds concurrent enrichment (default DefaultWorkers).
	Workers int
	// TempDir receives exported certificate files; defaults to os.TempDir.
	TempDir string
	Logger  *slog.Logger
}

func (e *Extractor) keytool() string {
	if e.KeytoolPath != "" {
		return e.KeytoolPath
	}
	return "keytool"
}

func (e *Extractor) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return 30 * time.Second
}

func (e *Extractor) tempDir() string {
	if e.TempDir != "" {
		return e.TempDir
	}
	return os.TempDir()
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// run invokes keytool once with the given arguments.
func (e *Extractor) run(ctx context.Context, args ...string) execx.Result {
	return execx.Run(ctx, execx.Spec{
		Path:    e.keytool(),
		Args:    args,
		Timeout: e.timeout(),
	})
}

// runTyped invokes keytool trying each store type in order, returning the
// first clean result and the type that produced it.
func (e *Extractor) runTyped(ctx context.Context, args ...string) (execx.Result, string, error) {
	var last execx.Result
	for _, st := range storeTypes {
		res := e.run(ctx, append(args, "-storetype", st)...)
		switch res.State {
		case execx.Success:
			return res, st, nil
		case execx.LaunchFailure:
			return res, "", fmt.Errorf("keytool launch failure: %w", res.Err)
		}
		last = res
	}
	return last, "", fmt.Errorf("keytool exited %d: %s",
		last.ExitCode, firstLine(last.Stderr))
}

// Extract pulls certificate metadata out of one cracked keystore.
func (e *Extractor) Extract(ctx context.Context, tgt Target) (*Info, error) {
	listRes, storeType, err := e.runTyped(ctx,
		"-list",
		"-keystore", tgt.FilePath,
		"-storepass", tgt.Password,
	)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}

	aliases := parseAliases(string(listRes.Stdout))
	if len(aliases) == 0 {
		return nil, errors.New("no aliases found in keystore listing")
	}
	primary := aliases[0]

	info := &Info{
		Identity:     tgt.Identity,
		Aliases:      aliases,
		PrimaryAlias: primary,
		StoreType:    storeType,
	}

	// Detail failures degrade to fingerprints-only rather than aborting;
	// verbose listing is the flakiest keytool mode across JDK versions.
	if detailRes, _, err := e.runTyped(ctx,
		"-list", "-v",
		"-keystore", tgt.FilePath,
		"-storepass", tgt.Password,
		"-alias", primary,
	); err == nil {
		applyDetails(info, string(detailRes.Stdout))
	} else {
		e.logger().Warn("certificate details unavailable",
			"identity", tgt.Identity, "error", err)
	}

	md5Hex, sha1Hex, err := e.fingerprints(ctx, tgt, primary)
	if err != nil {
		return nil, fmt.Errorf("fingerprints: %w", err)
	}
	info.PublicKeyMD5 = md5Hex
	info.PublicKeySHA1 = sha1Hex

	return info, nil
}

// fingerprints exports the primary certificate in DER form to a temp file
// and digests the raw bytes.
func (e *Extractor) fingerprints(ctx context.Context, tgt Target, alias string) (string, string, error) {
	tmp, err := os.CreateTemp(e.tempDir(), "cert-*.der")
	if err != nil {
		return "", "", fmt.Errorf("create temp cert file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if _, _, err := e.runTyped(ctx,
		"-export",
		"-keystore", tgt.FilePath,
		"-storepass", tgt.Password,
		"-alias", alias,
		"-file", tmpPath,
	); err != nil {
		return "", "", err
	}

	der, err := os.ReadFile(tmpPath)
	if err != nil {
		return "", "", fmt.Errorf("read exported cert: %w", err)
	}
	if len(der) == 0 {
		return "", "", errors.New("exported certificate is empty")
	}

	md5Sum := md5.Sum(der)
	sha1Sum := sha1.Sum(der)
	return strings.ToUpper(fmt.Sprintf("%x", md5Sum)),
		strings.ToUpper(fmt.Sprintf("%x", sha1Sum)),
		nil
}

// EnrichAll extracts metadata for every target concurrently. One Result
// per target, in input order; individual failures are captured, never
// propagated.
func (e *Extractor) EnrichAll(ctx context.Context, targets []Target) []Result {
	results := make([]Result, len(targets))

	var g errgroup.Group
	g.SetLimit(e.workers())

	for i, tgt := range targets {
		i, tgt := i, tgt
		g.Go(func() error {
			info, err := e.Extract(ctx, tgt)
			results[i] = Result{Identity: tgt.Identity, Info: info, Err: err}
			if err != nil {
				e.logger().Warn("enrichment failed",
					"identity", tgt.Identity, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	return results
}

func (e *Extractor) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return DefaultWorkers()
}

// DefaultWorkers leaves one CPU free for the caller.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		return 1
	}
	return n
}

func parseAliases(listing string) []string {
	var aliases []string
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		if m := aliasLine.FindStringSubmatch(line); m != nil {
			aliases = append(aliases, m[1])
		}
	}
	return aliases
}

func applyDetails(info *Info, listing string) {
	get := func(key string) string {
		if m := detailPatterns[key].FindStringSubmatch(listing); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}
	info.Subject = get("subject")
	info.Issuer = get("issuer")
	info.ValidFrom = get("validFrom")
	info.ValidTo = get("validTo")
	info.SigAlgorithm = get("sigAlg")
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
