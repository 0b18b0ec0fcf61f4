// Package report renders the terminal state of a batch session as a
// reviewable artifact: one record per item plus batch aggregates, written
// as pretty JSON and as an XLSX workbook.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/keyreap/keyreap/internal/certinfo"
	"github.com/keyreap/keyreap/internal/crack"
	"github.com/keyreap/keyreap/internal/session"
)

// Record is the report row for one batch item. Enrichment fields are only
// present on cracked items whose certificate metadata was extracted.
type Record struct {
	Identity        string        `json:"identity"`
	FilePath        string        `json:"file_path"`
	Status          crack.Status  `json:"status"`
	RecoveredSecret string        `json:"recovered_secret,omitempty"`
	Alias           string        `json:"alias,omitempty"`
	FingerprintMD5  string        `json:"fingerprint_md5,omitempty"`
	FingerprintSHA1 string        `json:"fingerprint_sha1,omitempty"`
	KeystoreFormat  string        `json:"keystore_format,omitempty"`
	Error           string        `json:"error,omitempty"`
	Elapsed         time.Duration `json:"elapsed,omitempty"`
}

// Summary aggregates the batch.
type Summary struct {
	SessionID    string                   `json:"session_id"`
	RootPath     string                   `json:"root_path"`
	GeneratedAt  time.Time                `json:"generated_at"`
	Total        int                      `json:"total"`
	Cracked      int                      `json:"cracked"`
	Exhausted    int                      `json:"exhausted"`
	Errored      int                      `json:"errored"`
	Pending      int                      `json:"pending"`
	StageElapsed map[string]time.Duration `json:"stage_elapsed,omitempty"`
}

// Report is the complete batch report.
type Report struct {
	Summary Summary  `json:"summary"`
	Records []Record `json:"records"`
}

// Build assembles the report from a session's terminal state plus any
// certificate enrichment, keyed by item identity. Records are ordered by
// identity so reports over the same batch diff cleanly.
//
// Every discovered item yields exactly one record. Items that failed
// extraction carry the extraction error; items the engine never judged
// stay pending. A cracked item whose enrichment failed keeps its cracked
// status with the enrichment error noted.
func Build(s *session.BatchSession, enrichment map[string]*certinfo.Info, enrichErrs map[string]string, now time.Time) *Report {
	outcomes := s.OutcomeSet()

	records := make([]Record, 0, len(s.Items))
	for _, item := range s.Items {
		rec := Record{
			Identity: item.Identity,
			FilePath: item.FilePath,
			Status:   crack.StatusPending,
		}

		if msg, ok := s.ExtractErrors[item.Identity]; ok {
			rec.Status = crack.StatusError
			rec.Error = msg
		} else if o, ok := outcomes.Get(item.Identity); ok {
			rec.Status = o.Status
			rec.RecoveredSecret = o.RecoveredSecret
			rec.Error = o.Error
			rec.Elapsed = o.Elapsed
		}

		if info := enrichment[item.Identity]; info != nil {
			rec.Alias = info.PrimaryAlias
			rec.FingerprintMD5 = info.PublicKeyMD5
			rec.FingerprintSHA1 = info.PublicKeySHA1
			rec.KeystoreFormat = info.StoreType
		} else if msg, ok := enrichErrs[item.Identity]; ok && rec.Error == "" {
			rec.Error = msg
		}

		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Identity < records[j].Identity })

	sum := Summary{
		SessionID:   s.ID,
		RootPath:    s.RootPath,
		GeneratedAt: now,
		Total:       len(records),
	}
	for _, rec := range records {
		switch rec.Status {
		case crack.StatusCracked:
			sum.Cracked++
		case crack.StatusExhausted:
			sum.Exhausted++
		case crack.StatusError:
			sum.Errored++
		case crack.StatusPending:
			sum.Pending++
		}
	}
	if len(s.Timings) > 0 {
		sum.StageElapsed = make(map[string]time.Duration, len(s.Timings))
		for k, v := range s.Timings {
			sum.StageElapsed[k] = v
		}
	}

	return &Report{Summary: sum, Records: records}
}

// JSON renders the report as indented JSON with a trailing newline.
func (r *Report) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteJSONFile writes the JSON rendering atomically (temp file then
// rename).
func (r *Report) WriteJSONFile(path string) error {
	data, err := r.JSON()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace report file: %w", err)
	}
	return nil
}
