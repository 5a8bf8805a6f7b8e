// Package recorder writes streaming samples to CSV, either as a one-off
// export of a session's log or continuously to rotating files per slot.
package recorder

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/pinlink/internal/manager"
	"github.com/shaunagostinho/pinlink/internal/session"
)

// Config holds recorder configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000

var csvHeader = []string{"timestamp", "elapsed_s", "raw", "value", "pin"}

// WriteCSV exports samples with a header row. Unparsed lines keep their raw
// text and leave the value column empty.
func WriteCSV(w io.Writer, samples []session.Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range samples {
		if err := cw.Write(buildRow(s)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFile writes samples to path, creating parent directories.
func ExportFile(path string, samples []session.Sample) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("recorder: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}
	if err := WriteCSV(f, samples); err != nil {
		f.Close()
		return fmt.Errorf("recorder: write %s: %w", path, err)
	}
	return f.Close()
}

func buildRow(s session.Sample) []string {
	row := make([]string, len(csvHeader))
	row[0] = s.Timestamp.Format(time.RFC3339Nano)
	row[1] = strconv.FormatFloat(s.Elapsed.Seconds(), 'f', 3, 64)
	row[2] = s.Raw
	if s.Value != nil {
		row[3] = strconv.FormatFloat(*s.Value, 'f', -1, 64)
	}
	if s.Pin != nil {
		row[4] = s.Pin.String()
	}
	return row
}

// Recorder appends every streamed sample to a CSV file per slot. A file is
// opened on the first sample of a stream and closed when the slot stops
// streaming; files rotate after MaxRows rows.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	now     func() time.Time

	files map[int]*slotFile
}

type slotFile struct {
	file   *os.File
	writer *csv.Writer
	rows   int
	path   string
}

func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/pinlink"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		now:     time.Now,
		files:   make(map[int]*slotFile),
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeAll()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Run consumes manager events until ctx is done or events is closed.
func (r *Recorder) Run(ctx context.Context, events <-chan manager.Event) {
	defer r.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ev)
		}
	}
}

// Handle records sample events and closes a slot's file once it leaves
// the streaming state.
func (r *Recorder) Handle(ev manager.Event) {
	switch ev.Kind {
	case session.EventSample:
		if ev.Sample != nil {
			r.Record(ev.Slot, *ev.Sample)
		}
	case session.EventState:
		if ev.State != session.Streaming {
			r.CloseSlot(ev.Slot)
		}
	case session.EventError:
		r.CloseSlot(ev.Slot)
	}
}

// Record writes one sample for slot.
func (r *Recorder) Record(slot int, s session.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	f := r.files[slot]
	if f == nil || f.rows >= r.maxRows {
		var err error
		if f, err = r.rotateFile(slot); err != nil {
			log.Printf("[recorder] slot %d: rotate failed: %v", slot, err)
			return
		}
	}

	if err := f.writer.Write(buildRow(s)); err != nil {
		log.Printf("[recorder] slot %d: write failed: %v", slot, err)
		return
	}
	f.writer.Flush()
	f.rows++
}

// Files returns the path of the open file per slot.
func (r *Recorder) Files() map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]string, len(r.files))
	for slot, f := range r.files {
		out[slot] = f.path
	}
	return out
}

func (r *Recorder) CloseSlot(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile(slot)
}

// Close flushes and closes every open file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeAll()
}

func (r *Recorder) rotateFile(slot int) (*slotFile, error) {
	r.closeFile(slot)

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("pinlink_slot%d_%s.csv", slot, r.now().Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, filename)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	f := &slotFile{file: file, writer: csv.NewWriter(file), path: path}
	if err := f.writer.Write(csvHeader); err != nil {
		file.Close()
		return nil, err
	}
	f.writer.Flush()
	r.files[slot] = f

	log.Printf("[recorder] slot %d: opened %s", slot, path)
	return f, nil
}

func (r *Recorder) closeFile(slot int) {
	f, ok := r.files[slot]
	if !ok {
		return
	}
	f.writer.Flush()
	f.file.Close()
	delete(r.files, slot)
}

func (r *Recorder) closeAll() {
	for slot := range r.files {
		r.closeFile(slot)
	}
}
