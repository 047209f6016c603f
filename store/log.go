package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
)

// Log is an append-only file of JSON records, one per line.
//
// Appends write one complete line with a single write call. Rewrite replaces
// the whole file atomically. Both hold the log's lock, and so does Lines, which
// therefore always observes a point-in-time view of the file.
type Log struct {
	path string
	mu   sync.Mutex
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string {
	return l.path
}

// Append marshals v and appends it as a single line.
func (l *Log) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", l.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", l.path, err)
	}
	return f.Close()
}

// Line is a raw, non-empty line of the log. No is 1-based.
type Line struct {
	No  int
	Raw []byte
}

// Lines returns a snapshot of every non-empty line. A missing file is an empty log.
func (l *Log) Lines() ([]Line, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines()
}

// Snapshot reads every log while holding all of their locks, so no append or
// rewrite lands between the reads.
func Snapshot(logs ...*Log) ([][]Line, error) {
	for _, l := range logs {
		l.mu.Lock()
		defer l.mu.Unlock()
	}
	out := make([][]Line, 0, len(logs))
	for _, l := range logs {
		lines, err := l.lines()
		if err != nil {
			return nil, err
		}
		out = append(out, lines)
	}
	return out, nil
}

func (l *Log) lines() ([]Line, error) {
	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", l.path, err)
	}
	return splitLines(data), nil
}

// splitLines cuts data at every newline. Raw is the line without its
// terminator, otherwise untouched; blank lines are skipped.
func splitLines(data []byte) []Line {
	var lines []Line
	for i, raw := range bytes.Split(data, []byte{'\n'}) {
		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		lines = append(lines, Line{No: i + 1, Raw: raw})
	}
	return lines
}

// Rewrite atomically replaces the log with every line for which drop returns
// false. It returns the number of dropped lines. The file is left untouched
// when nothing is dropped.
func (l *Log) Rewrite(ctx context.Context, drop func(raw []byte) bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("reading %s: %w", l.path, err)
	}

	var (
		kept    bytes.Buffer
		dropped int
	)
	for _, line := range splitLines(data) {
		if drop(line.Raw) {
			dropped++
			continue
		}
		kept.Write(line.Raw)
		kept.WriteByte('\n')
	}
	if dropped == 0 {
		return 0, nil
	}
	if err := atomic.WriteFile(l.path, &kept); err != nil {
		return 0, fmt.Errorf("rewriting %s: %w", l.path, err)
	}
	logging.FromContext(ctx).Debug("rewrote log", zap.String("path", l.path), zap.Int("dropped", dropped))
	return dropped, nil
}

// ReadAll decodes every line of l into T. Lines that fail to decode are
// skipped and logged; they never abort the read.
func ReadAll[T any](ctx context.Context, l *Log) ([]T, error) {
	lines, err := l.Lines()
	if err != nil {
		return nil, err
	}
	return DecodeLines[T](ctx, l, lines), nil
}

// DecodeLines decodes lines read from l, skipping and logging the malformed ones.
func DecodeLines[T any](ctx context.Context, l *Log, lines []Line) []T {
	logger := logging.FromContext(ctx)
	records := make([]T, 0, len(lines))
	for _, line := range lines {
		var rec T
		if err := json.Unmarshal(line.Raw, &rec); err != nil {
			logger.Warn("skipping malformed record",
				zap.String("path", l.path),
				zap.Int("line", line.No),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	return records
}
