package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

// ProgressFileName is the append-only event log inside the state directory.
const ProgressFileName = "progress.log"

// Entry is one line of progress.log.
type Entry struct {
	ID   string          `json:"id"`
	Time time.Time       `json:"time"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ProgressLog appends every event it sees to progress.log as JSON lines.
type ProgressLog struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
	err  error
}

// NewProgressLog returns a ProgressLog writing to <stateDir>/progress.log.
func NewProgressLog(fs afero.Fs, stateDir string) *ProgressLog {
	return &ProgressLog{fs: fs, path: filepath.Join(stateDir, ProgressFileName)}
}

// Path returns the log file path.
func (p *ProgressLog) Path() string { return p.path }

// Attach subscribes the log to every event on bus.
func (p *ProgressLog) Attach(bus *Bus) string {
	return bus.SubscribeAll(p.Handle)
}

// Handle appends e. Write failures are kept and reported by Err; the log
// never stops a run.
func (p *ProgressLog) Handle(e Event) {
	if err := p.Append(e); err != nil {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}
}

// Append writes e as one line.
func (p *ProgressLog) Append(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.EventType(), err)
	}
	line, err := json.Marshal(Entry{
		ID:   ulid.MustNew(ulid.Timestamp(e.Timestamp()), ulid.DefaultEntropy()).String(),
		Time: e.Timestamp().UTC(),
		Type: e.EventType(),
		Data: data,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fs.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	f, err := p.fs.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open progress log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append progress log: %w", err)
	}
	return f.Close()
}

// Err returns the last write error seen by Handle.
func (p *ProgressLog) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// ReadProgress returns every entry of the progress log at path, oldest
// first. A missing file yields no entries. Lines that fail to decode are
// skipped.
func ReadProgress(fs afero.Fs, path string) ([]Entry, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}
