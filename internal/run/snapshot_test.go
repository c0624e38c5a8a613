package run

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporterAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	e := NewExporter(path, "run-1")

	require.NoError(t, e.Export(Snapshot{Processed: 10, OK: 8, Failed: 2, Elapsed: 5 * time.Second}))
	require.NoError(t, e.Export(Snapshot{Processed: 20, OK: 17, Failed: 3, Elapsed: 10 * time.Second}))
	require.NoError(t, e.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []snapshotLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line snapshotLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "run-1", lines[0].RunID)
	assert.Equal(t, 10, lines[0].Processed)
	assert.Equal(t, 2.0, lines[0].RPS)
	assert.Equal(t, 20, lines[1].Processed)
}

func TestExporterDisabledWithoutPath(t *testing.T) {
	e := NewExporter("", "run-1")
	assert.NoError(t, e.Export(Snapshot{Processed: 1}))
	assert.NoError(t, e.Close())
}
