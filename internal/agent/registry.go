package agent

import (
	"os"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Process is the part of *os.Process the registry needs.
type Process interface {
	Signal(sig os.Signal) error
	Kill() error
}

// Entry describes one tracked process.
type Entry struct {
	Agent   ID
	Issue   int
	Started time.Time
}

type tracked struct {
	Entry
	proc Process
}

// Registry records running agent processes. It is owned by one fleet run
// and passed to every launcher in it.
type Registry struct {
	mu     sync.Mutex
	next   uint64
	procs  map[uint64]*tracked
	closed bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[uint64]*tracked)}
}

// Track registers p and returns the function that removes it. Untrack is
// safe to call more than once. After TerminateAll, newly tracked processes
// are killed immediately so nothing outlives a shutdown.
func (r *Registry) Track(p Process, agent ID, issue int) (untrack func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = p.Kill()
		return func() {}
	}
	r.next++
	id := r.next
	r.procs[id] = &tracked{Entry: Entry{Agent: agent, Issue: issue, Started: time.Now()}, proc: p}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.procs, id)
			r.mu.Unlock()
		})
	}
}

// Len returns the number of tracked processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Active lists tracked processes, oldest first.
func (r *Registry) Active() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.procs))
	for _, t := range r.procs {
		out = append(out, t.Entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// TerminateAll sends SIGTERM to every tracked process, waits up to grace
// for them to exit and untrack, then kills whatever is left. It returns the
// number of processes signaled.
func (r *Registry) TerminateAll(grace time.Duration) int {
	r.mu.Lock()
	r.closed = true
	procs := make([]Process, 0, len(r.procs))
	for _, t := range r.procs {
		procs = append(procs, t.proc)
	}
	r.mu.Unlock()

	for _, p := range procs {
		_ = p.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for r.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	r.mu.Lock()
	for _, t := range r.procs {
		_ = t.proc.Kill()
	}
	r.mu.Unlock()
	return len(procs)
}
