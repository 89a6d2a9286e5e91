// Package retry runs phase executors and agent invocations with bounded
// retries and keeps per-key attempt history for reports and debugging.
package retry

import (
	"slices"
	"sync"
)

// TaskState tracks retry attempts for one key (a phase or task).
type TaskState struct {
	Key        string   `json:"key"`
	Attempts   int      `json:"attempts"`
	MaxRetries int      `json:"max_retries"`
	LastError  string   `json:"last_error,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Succeeded  bool     `json:"succeeded,omitempty"`
}

// Exhausted reports whether every allowed attempt failed.
func (s *TaskState) Exhausted() bool {
	return !s.Succeeded && s.Attempts > s.MaxRetries
}

// History records TaskState per key. It is thread-safe and can be
// shared by every executor in a pipeline.
type History struct {
	mu     sync.RWMutex
	states map[string]*TaskState
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{states: make(map[string]*TaskState)}
}

func (h *History) begin(key string, maxRetries int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[key]
	if !ok {
		st = &TaskState{Key: key}
		h.states[key] = st
	}
	st.MaxRetries = maxRetries
	st.Succeeded = false
}

func (h *History) record(key string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[key]
	if !ok {
		return
	}
	st.Attempts++
	if err == nil {
		st.Succeeded = true
		return
	}
	st.LastError = err.Error()
	st.Errors = append(st.Errors, err.Error())
}

// State returns a copy of the state for key, or nil if key never ran.
func (h *History) State(key string) *TaskState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.states[key]
	if !ok {
		return nil
	}
	cp := *st
	cp.Errors = slices.Clone(st.Errors)
	return &cp
}

// Failed returns the keys whose attempts were all used up, sorted.
func (h *History) Failed() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for key, st := range h.states {
		if st.Exhausted() {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}

// Reset forgets key.
func (h *History) Reset(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, key)
}
