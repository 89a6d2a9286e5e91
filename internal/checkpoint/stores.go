package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	// FleetFileName is the fleet checkpoint inside the state directory.
	FleetFileName = "fleet-checkpoint.json"
	// IssueFileName is the per-issue checkpoint inside <stateDir>/issues/<n>/.
	IssueFileName = "checkpoint.json"
	// ArtifactsDirName holds phase artifacts inside an issue directory.
	ArtifactsDirName = "artifacts"
	// issuesDir holds one directory per issue.
	issuesDir = "issues"
)

// Stores hands out the fleet store and one store per issue, all rooted at
// a single state directory. Stores are cached so concurrent callers for the
// same scope share one mutex.
type Stores struct {
	fs  afero.Fs
	dir string
	now func() time.Time

	mu     sync.Mutex
	fleet  *Store[FleetState]
	issues map[int]*Store[IssueState]
}

// NewStores returns the checkpoint stores for stateDir on fs.
func NewStores(fs afero.Fs, stateDir string) *Stores {
	return &Stores{fs: fs, dir: stateDir, now: time.Now, issues: make(map[int]*Store[IssueState])}
}

// WithClock overrides the clock used to stamp checkpoints. Intended for tests.
func (s *Stores) WithClock(now func() time.Time) *Stores {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	if s.fleet != nil {
		s.fleet.now = now
	}
	for _, st := range s.issues {
		st.now = now
	}
	return s
}

// Dir returns the state directory.
func (s *Stores) Dir() string {
	return s.dir
}

// Fs returns the filesystem the stores write to.
func (s *Stores) Fs() afero.Fs {
	return s.fs
}

// Fleet returns the fleet-scope store.
func (s *Stores) Fleet() *Store[FleetState] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fleet == nil {
		s.fleet = NewStore(s.fs, filepath.Join(s.dir, FleetFileName), NewFleetState)
		s.fleet.now = s.now
	}
	return s.fleet
}

// Issue returns the store for issue n.
func (s *Stores) Issue(n int) *Store[IssueState] {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.issues[n]
	if !ok {
		st = NewStore(s.fs, s.IssuePath(n), func() *IssueState { return NewIssueState(n) })
		st.now = s.now
		s.issues[n] = st
	}
	return st
}

// IssueDir returns <stateDir>/issues/<n>, where the issue's checkpoint and
// side artifacts live.
func (s *Stores) IssueDir(n int) string {
	return filepath.Join(s.dir, issuesDir, strconv.Itoa(n))
}

// ArtifactDir returns where phase artifacts for issue n are written.
func (s *Stores) ArtifactDir(n int) string {
	return filepath.Join(s.IssueDir(n), ArtifactsDirName)
}

// IssuePath returns the stable checkpoint path for issue n.
func (s *Stores) IssuePath(n int) string {
	return filepath.Join(s.IssueDir(n), IssueFileName)
}

// IssueNumbers lists the issues that have a checkpoint on disk, ascending.
func (s *Stores) IssueNumbers() ([]int, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.dir, issuesDir))
	if err != nil {
		if ok, _ := afero.DirExists(s.fs, filepath.Join(s.dir, issuesDir)); !ok {
			return nil, nil
		}
		return nil, err
	}

	var out []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if ok, _ := afero.Exists(s.fs, s.IssuePath(n)); ok {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

// ResetIssue reverts issue n to not-started: phase and task progress is
// cleared in the issue checkpoint and the fleet entry is reset. Token
// records in the fleet checkpoint are preserved.
func (s *Stores) ResetIssue(ctx context.Context, n int) error {
	if _, err := s.Issue(n).Mutate(ctx, func(st *IssueState) error {
		st.Reset()
		return nil
	}); err != nil {
		return fmt.Errorf("failed to reset issue %d checkpoint: %w", n, err)
	}

	_, err := s.Fleet().Mutate(ctx, func(state *FleetState) error {
		entry := state.Issue(n)
		entry.Status = StatusNotStarted
		entry.LastCompletedPhase = 0
		entry.Error = ""
		entry.PRURL = ""
		entry.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset issue %d in fleet checkpoint: %w", n, err)
	}
	return nil
}
