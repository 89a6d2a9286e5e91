// Package platform talks to the source-control platform: issues, pull
// requests and review comments. The GitHub implementation shells out to
// the gh CLI.
package platform

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Issue is a unit of work fetched from the tracker.
type Issue struct {
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	URL       string   `json:"url"`
	State     string   `json:"state"`
	Labels    []string `json:"labels"`
	Milestone string   `json:"milestone,omitempty"`
	// DependsOn lists issues this one declares it builds on.
	DependsOn []int `json:"dependsOn,omitempty"`
}

// PullRequest is a PR on the platform.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Branch string `json:"headRefName"`
	Base   string `json:"baseRefName"`
	State  string `json:"state"`
	Draft  bool   `json:"isDraft"`
}

// PRRequest is everything needed to open a PR.
type PRRequest struct {
	Title     string
	Body      string
	Branch    string
	Base      string
	Draft     bool
	Reviewers []string
	Labels    []string
}

// PRUpdate changes an existing PR. Empty fields are left alone.
type PRUpdate struct {
	Title        string
	Body         string
	AddLabels    []string
	AddReviewers []string
}

// Comment is a PR conversation or review comment.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"`
	Line      int       `json:"line,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReviewThread is a review comment and its replies.
type ReviewThread struct {
	Path     string    `json:"path"`
	Line     int       `json:"line"`
	Comments []Comment `json:"comments"`
}

// ListFilter selects issues.
type ListFilter struct {
	Labels    []string
	Milestone string
	// State defaults to "open".
	State string
	Limit int
}

// Provider is the platform surface the orchestrator depends on.
type Provider interface {
	GetIssue(ctx context.Context, number int) (*Issue, error)
	ListIssues(ctx context.Context, filter ListFilter) ([]Issue, error)
	CreatePR(ctx context.Context, req PRRequest) (*PullRequest, error)
	UpdatePR(ctx context.Context, number int, update PRUpdate) error
	ListPRs(ctx context.Context, branch string) ([]PullRequest, error)
	ListReviewThreads(ctx context.Context, pr int) ([]ReviewThread, error)
	ListComments(ctx context.Context, pr int) ([]Comment, error)
	// Close disconnects the provider. Later calls fail with
	// errors.ErrPlatformUnavailable.
	Close() error
}

var dependsOnRe = regexp.MustCompile(`(?im)^\s*(?:[-*]\s*)?(?:depends on|blocked by|requires)\s*:?\s*((?:#\d+[\s,]*(?:and\s+)?)+)`)
var issueRefRe = regexp.MustCompile(`#(\d+)`)

// ParseDependsOn extracts issue numbers from "Depends on #1, #2" style
// lines in an issue body. The result is sorted and free of duplicates.
func ParseDependsOn(body string) []int {
	seen := map[int]bool{}
	for _, m := range dependsOnRe.FindAllStringSubmatch(body, -1) {
		for _, ref := range issueRefRe.FindAllStringSubmatch(m[1], -1) {
			if n, err := strconv.Atoi(ref[1]); err == nil && n > 0 {
				seen[n] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
