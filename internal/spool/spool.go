// Package spool implements the durable local queue that holds records the
// destination store could not accept. Segments are JSONL files consumed
// strictly in arrival order by the drain path.
package spool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/scrape"
)

const segmentPattern = "batch_%09d.jsonl"

// Spool appends failed batches as numbered segment files under a directory.
// A segment is removed only after every record in it has been confirmed
// delivered.
type Spool struct {
	dir    string
	logger *zap.Logger

	mu  sync.Mutex
	seq int64
}

// New opens the spool directory, creating it if needed, and resumes the
// segment sequence from any files left by a previous process.
func New(dir string, logger *zap.Logger) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Spool{dir: dir, logger: logger}
	segments, err := s.Segments()
	if err != nil {
		return nil, err
	}
	for _, name := range segments {
		var n int64
		if _, err := fmt.Sscanf(name, segmentPattern, &n); err == nil && n > s.seq {
			s.seq = n
		}
	}
	return s, nil
}

// Append durably writes one batch as a new segment. The segment becomes
// visible to the drain path only after it is fully written and synced, so a
// crash mid-append never leaves a half-readable segment.
func (s *Spool) Append(records []scrape.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	s.seq++
	name := fmt.Sprintf(segmentPattern, s.seq)
	s.mu.Unlock()

	tmp := filepath.Join(s.dir, name+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create spool segment: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("marshal spool record nr=%d: %w", rec.NR, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("write spool segment: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("flush spool segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync spool segment: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close spool segment: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("publish spool segment: %w", err)
	}
	return nil
}

// Segments lists pending segment file names in arrival order.
func (s *Spool) Segments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list spool directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "batch_") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the records in one segment. Corrupt lines are skipped with a
// warning rather than blocking the queue.
func (s *Spool) Read(name string) ([]scrape.Record, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open spool segment %s: %w", name, err)
	}
	defer f.Close()

	var records []scrape.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec scrape.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping corrupt spool line",
				zap.String("segment", name), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read spool segment %s: %w", name, err)
	}
	return records, nil
}

// Remove deletes a fully delivered segment.
func (s *Spool) Remove(name string) error {
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spool segment %s: %w", name, err)
	}
	return nil
}

// Depth reports the number of pending segments.
func (s *Spool) Depth() int {
	names, err := s.Segments()
	if err != nil {
		return 0
	}
	return len(names)
}
