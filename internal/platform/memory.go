package platform

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/Iron-Ham/convoy/internal/errors"
)

// Memory is an in-process Provider. It backs tests and offline runs.
type Memory struct {
	mu       sync.Mutex
	issues   map[int]Issue
	prs      []PullRequest
	threads  map[int][]ReviewThread
	comments map[int][]Comment
	closed   bool

	// FailCreatePR makes CreatePR fail for these branches.
	FailCreatePR map[string]error
	// Created records every successful CreatePR request.
	Created []PRRequest
}

// NewMemory returns a Memory provider seeded with issues.
func NewMemory(issues ...Issue) *Memory {
	m := &Memory{
		issues:       make(map[int]Issue),
		threads:      make(map[int][]ReviewThread),
		comments:     make(map[int][]Comment),
		FailCreatePR: make(map[string]error),
	}
	for _, i := range issues {
		if i.DependsOn == nil {
			i.DependsOn = ParseDependsOn(i.Body)
		}
		if i.State == "" {
			i.State = "open"
		}
		m.issues[i.Number] = i
	}
	return m
}

var _ Provider = (*Memory)(nil)

func (m *Memory) check() error {
	if m.closed {
		return errors.ErrPlatformUnavailable
	}
	return nil
}

// GetIssue implements Provider.
func (m *Memory) GetIssue(_ context.Context, number int) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	i, ok := m.issues[number]
	if !ok {
		return nil, errors.NewNotFoundError("issue", fmt.Sprint(number))
	}
	return &i, nil
}

// ListIssues implements Provider.
func (m *Memory) ListIssues(_ context.Context, filter ListFilter) ([]Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	state := filter.State
	if state == "" {
		state = "open"
	}
	var out []Issue
	for _, i := range m.issues {
		if state != "all" && i.State != state {
			continue
		}
		if filter.Milestone != "" && i.Milestone != filter.Milestone {
			continue
		}
		if !hasAll(i.Labels, filter.Labels) {
			continue
		}
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Number < out[b].Number })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// CreatePR implements Provider.
func (m *Memory) CreatePR(_ context.Context, req PRRequest) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	if err, ok := m.FailCreatePR[req.Branch]; ok {
		return nil, fmt.Errorf("%w: %v", errors.ErrPRCreateFailed, err)
	}
	n := len(m.prs) + 1
	pr := PullRequest{
		Number: n,
		URL:    fmt.Sprintf("https://example.invalid/pull/%d", n),
		Title:  req.Title,
		Branch: req.Branch,
		Base:   req.Base,
		State:  "open",
		Draft:  req.Draft,
	}
	m.prs = append(m.prs, pr)
	m.Created = append(m.Created, req)
	return &pr, nil
}

// UpdatePR implements Provider.
func (m *Memory) UpdatePR(_ context.Context, number int, update PRUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for i := range m.prs {
		if m.prs[i].Number == number {
			if update.Title != "" {
				m.prs[i].Title = update.Title
			}
			return nil
		}
	}
	return errors.NewNotFoundError("pull request", fmt.Sprint(number))
}

// ListPRs implements Provider.
func (m *Memory) ListPRs(_ context.Context, branch string) ([]PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []PullRequest
	for _, pr := range m.prs {
		if branch == "" || pr.Branch == branch {
			out = append(out, pr)
		}
	}
	return out, nil
}

// AddReviewThread attaches a review thread to a PR.
func (m *Memory) AddReviewThread(pr int, t ReviewThread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[pr] = append(m.threads[pr], t)
}

// ListReviewThreads implements Provider.
func (m *Memory) ListReviewThreads(_ context.Context, pr int) ([]ReviewThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return slices.Clone(m.threads[pr]), nil
}

// ListComments implements Provider.
func (m *Memory) ListComments(_ context.Context, pr int) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return slices.Clone(m.comments[pr]), nil
}

// Close implements Provider.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
