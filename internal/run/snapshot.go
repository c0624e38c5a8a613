package run

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Exporter appends one JSON line per snapshot to a metrics file, readable by
// external tooling while the run is in flight.
type Exporter struct {
	path  string
	runID string

	mu sync.Mutex
	f  *os.File
}

// NewExporter prepares an Exporter. The file is opened lazily on the first
// export so a dry run with metrics disabled never touches disk.
func NewExporter(path, runID string) *Exporter {
	return &Exporter{path: path, runID: runID}
}

type snapshotLine struct {
	TS           float64 `json:"ts"`
	RunID        string  `json:"run_id"`
	Processed    int     `json:"processed"`
	GateFalse    int     `json:"gate_false"`
	OK           int     `json:"ok"`
	Failed       int     `json:"failed"`
	NotFound     int     `json:"not_found"`
	Error403     int     `json:"error_403"`
	Error429     int     `json:"error_429"`
	RPS          float64 `json:"rps"`
	ETA          float64 `json:"eta"`
	AvgTimePerNR float64 `json:"avg_time_per_nr"`
}

// Export appends one snapshot line.
func (e *Exporter) Export(s Snapshot) error {
	if e == nil || e.path == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.f == nil {
		if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
		f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open metrics file: %w", err)
		}
		e.f = f
	}

	line := snapshotLine{
		TS:           float64(time.Now().UnixMilli()) / 1000,
		RunID:        e.runID,
		Processed:    s.Processed,
		GateFalse:    s.GateFailed,
		OK:           s.OK,
		Failed:       s.Failed,
		NotFound:     s.NotFound,
		Error403:     s.Err403,
		Error429:     s.Err429,
		RPS:          round2(s.RPS()),
		ETA:          round2(s.ETA()),
		AvgTimePerNR: round3(s.AvgTask.Seconds()),
	}
	buf, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := e.f.Write(append(buf, '\n')); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Close releases the metrics file.
func (e *Exporter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f == nil {
		return nil
	}
	err := e.f.Close()
	e.f = nil
	return err
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
