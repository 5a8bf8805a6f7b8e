package recorder

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/pinlink/internal/manager"
	"github.com/shaunagostinho/pinlink/internal/pins"
	"github.com/shaunagostinho/pinlink/internal/session"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(elapsed time.Duration, raw string, value *float64) session.Sample {
	return session.Sample{Timestamp: t0.Add(elapsed), Elapsed: elapsed, Raw: raw, Value: value}
}

func ptr(v float64) *float64 { return &v }

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteCSV(t *testing.T) {
	a2 := pins.A(2)
	samples := []session.Sample{
		sample(100*time.Millisecond, "23.50", ptr(23.5)),
		sample(200*time.Millisecond, "Debug Start", nil),
		{Timestamp: t0, Elapsed: 1500 * time.Millisecond, Raw: "16,512", Value: ptr(512), Pin: &a2},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, samples))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"timestamp", "elapsed_s", "raw", "value", "pin"},
		{"2024-03-01T12:00:00.1Z", "0.100", "23.50", "23.5", ""},
		{"2024-03-01T12:00:00.2Z", "0.200", "Debug Start", "", ""},
		{"2024-03-01T12:00:00Z", "1.500", "16,512", "512", "A2"},
	}, rows)
}

func TestExportFileCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "run.csv")
	require.NoError(t, ExportFile(path, []session.Sample{sample(0, "1.00", ptr(1))}))
	require.Len(t, readCSV(t, path), 2)
}

func newTestRecorder(t *testing.T, maxRows int) *Recorder {
	r := New(Config{Enabled: true, Path: t.TempDir(), MaxRows: maxRows})
	clock := t0
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r
}

func TestRecorderRotates(t *testing.T) {
	r := newTestRecorder(t, 2)
	for i := 0; i < 5; i++ {
		r.Record(1, sample(time.Duration(i)*100*time.Millisecond, "1.00", ptr(1)))
	}
	r.Close()

	files, err := filepath.Glob(filepath.Join(r.dir, "pinlink_slot1_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 3)

	total := 0
	for _, f := range files {
		rows := readCSV(t, f)
		require.Equal(t, csvHeader, rows[0])
		total += len(rows) - 1
	}
	require.Equal(t, 5, total)
}

func TestRecorderDisabled(t *testing.T) {
	r := New(Config{Path: t.TempDir()})
	r.Record(1, sample(0, "1.00", ptr(1)))
	require.Empty(t, r.Files())

	r.SetEnabled(true)
	require.True(t, r.IsEnabled())
	r.Record(1, sample(0, "1.00", ptr(1)))
	require.Len(t, r.Files(), 1)

	r.SetEnabled(false)
	require.Empty(t, r.Files())
}

func TestRecorderFollowsEvents(t *testing.T) {
	r := newTestRecorder(t, 100)
	events := make(chan manager.Event, 8)
	s1, s2 := sample(0, "23.50", ptr(23.5)), sample(0, "7.25", ptr(7.25))
	events <- manager.Event{Slot: 1, Kind: session.EventSample, Sample: &s1}
	events <- manager.Event{Slot: 2, Kind: session.EventSample, Sample: &s2}
	events <- manager.Event{Slot: 1, Kind: session.EventState, State: session.Idle}
	close(events)

	r.Run(context.Background(), events)
	require.Empty(t, r.Files())

	for slot, want := range map[int]string{1: "23.50", 2: "7.25"} {
		files, err := filepath.Glob(filepath.Join(r.dir, "pinlink_slot"+string(rune('0'+slot))+"_*.csv"))
		require.NoError(t, err)
		require.Len(t, files, 1)
		rows := readCSV(t, files[0])
		require.Len(t, rows, 2)
		require.Equal(t, want, rows[1][2])
	}
}
