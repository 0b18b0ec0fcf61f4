package crack

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is defined in outcome.go; this file covers the engine's live
// machine-readable status protocol.

// EngineStatus is one decoded status report from the engine's
// --machine-readable stdout stream.
type EngineStatus struct {
	Session         string         `json:"session"`
	State           int            `json:"status"`
	Target          string         `json:"target"`
	Progress        []int64        `json:"progress"`
	RestorePoint    int64          `json:"restore_point"`
	RecoveredHashes []int          `json:"recovered_hashes"`
	RecoveredSalts  []int          `json:"recovered_salts"`
	Rejected        int64          `json:"rejected"`
	Devices         []DeviceStatus `json:"devices"`
	TimeStart       int64          `json:"time_start"`
	EstimatedStop   int64          `json:"estimated_stop"`
}

// DeviceStatus carries per-device telemetry from a status report.
type DeviceStatus struct {
	DeviceID int   `json:"device_id"`
	Speed    int64 `json:"speed"`
	Temp     int   `json:"temp"`
	Util     int   `json:"util"`
}

// ParseEngineStatus decodes one stdout line as a status report. The engine
// may prefix the JSON object with noise (prompt fragments, CR), so the
// object is located by its first brace. Non-status lines return ok=false.
func ParseEngineStatus(line string) (*EngineStatus, bool) {
	start := strings.IndexByte(line, '{')
	if start < 0 {
		return nil, false
	}
	var st EngineStatus
	if err := json.Unmarshal([]byte(line[start:]), &st); err != nil {
		return nil, false
	}
	if st.Session == "" && st.Progress == nil && st.RecoveredHashes == nil {
		// A JSON object, but not a status report.
		return nil, false
	}
	return &st, true
}

// Snapshot is a progress observation published to the controller on each
// poll tick. Display-only: reconciliation correctness never depends on the
// live stream.
type Snapshot struct {
	At            time.Time     `json:"at"`
	Elapsed       time.Duration `json:"elapsed"`
	Recovered     int           `json:"recovered"`
	Total         int           `json:"total"`
	ProgressDone  int64         `json:"progress_done"`
	ProgressTotal int64         `json:"progress_total"`
	Speed         int64         `json:"speed"`
	Temp          int           `json:"temp"`
	Util          int           `json:"util"`
}

// snapshot projects a status report into a Snapshot.
func (st *EngineStatus) snapshot(at time.Time, started time.Time) Snapshot {
	s := Snapshot{At: at, Elapsed: at.Sub(started)}
	if len(st.RecoveredHashes) >= 2 {
		s.Recovered = st.RecoveredHashes[0]
		s.Total = st.RecoveredHashes[1]
	}
	if len(st.Progress) >= 2 {
		s.ProgressDone = st.Progress[0]
		s.ProgressTotal = st.Progress[1]
	}
	for _, d := range st.Devices {
		s.Speed += d.Speed
		if d.Temp > s.Temp {
			s.Temp = d.Temp
		}
		if d.Util > s.Util {
			s.Util = d.Util
		}
	}
	return s
}
