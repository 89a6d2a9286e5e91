package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/logging"
)

// Runner executes the gh CLI.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// GHRunner runs the real gh binary in Dir.
type GHRunner struct {
	Dir string
}

// Run executes gh with args and returns stdout. Stderr is folded into the
// error.
func (r GHRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = r.Dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("gh %s: %w\n%s", strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("failed to run gh: %w", err)
	}
	return out, nil
}

// GitHub is a Provider backed by the gh CLI.
type GitHub struct {
	runner Runner
	logger *logging.Logger
	closed atomic.Bool
}

// NewGitHub returns a GitHub provider. A nil runner uses GHRunner in the
// current directory.
func NewGitHub(runner Runner, logger *logging.Logger) *GitHub {
	if runner == nil {
		runner = GHRunner{}
	}
	return &GitHub{runner: runner, logger: logging.OrNop(logger)}
}

var _ Provider = (*GitHub)(nil)

const issueFields = "number,title,body,url,state,labels,milestone"

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Milestone *struct {
		Title string `json:"title"`
	} `json:"milestone"`
}

func (i ghIssue) toIssue() Issue {
	out := Issue{Number: i.Number, Title: i.Title, Body: i.Body, URL: i.URL, State: strings.ToLower(i.State)}
	for _, l := range i.Labels {
		out.Labels = append(out.Labels, l.Name)
	}
	if i.Milestone != nil {
		out.Milestone = i.Milestone.Title
	}
	out.DependsOn = ParseDependsOn(i.Body)
	return out
}

func (g *GitHub) run(ctx context.Context, args ...string) ([]byte, error) {
	if g.closed.Load() {
		return nil, errors.ErrPlatformUnavailable
	}
	g.logger.Debug("running gh", "args", args)
	return g.runner.Run(ctx, args...)
}

// GetIssue fetches one issue.
func (g *GitHub) GetIssue(ctx context.Context, number int) (*Issue, error) {
	out, err := g.run(ctx, "issue", "view", strconv.Itoa(number), "--json", issueFields)
	if err != nil {
		return nil, errors.NewNotFoundError("issue", strconv.Itoa(number)).WithCause(err)
	}
	var gi ghIssue
	if err := json.Unmarshal(out, &gi); err != nil {
		return nil, fmt.Errorf("failed to decode issue %d: %w", number, err)
	}
	issue := gi.toIssue()
	return &issue, nil
}

// ListIssues lists issues matching filter, lowest number first.
func (g *GitHub) ListIssues(ctx context.Context, filter ListFilter) ([]Issue, error) {
	state := filter.State
	if state == "" {
		state = "open"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args := []string{"issue", "list", "--state", state, "--limit", strconv.Itoa(limit), "--json", issueFields}
	for _, l := range filter.Labels {
		args = append(args, "--label", l)
	}
	if filter.Milestone != "" {
		args = append(args, "--milestone", filter.Milestone)
	}

	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	var raw []ghIssue
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode issue list: %w", err)
	}
	issues := make([]Issue, len(raw))
	for i, gi := range raw {
		issues[i] = gi.toIssue()
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Number < issues[j].Number })
	return issues, nil
}

var prURLRe = regexp.MustCompile(`/pull/(\d+)\s*$`)

// CreatePR opens a pull request and returns it. gh prints the PR URL.
func (g *GitHub) CreatePR(ctx context.Context, req PRRequest) (*PullRequest, error) {
	args := []string{"pr", "create", "--title", req.Title, "--body", req.Body, "--head", req.Branch}
	if req.Base != "" {
		args = append(args, "--base", req.Base)
	}
	if req.Draft {
		args = append(args, "--draft")
	}
	for _, r := range req.Reviewers {
		args = append(args, "--reviewer", r)
	}
	for _, l := range req.Labels {
		args = append(args, "--label", l)
	}

	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrPRCreateFailed, err)
	}
	url := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(url, '\n'); i >= 0 {
		url = strings.TrimSpace(url[i+1:])
	}
	pr := &PullRequest{URL: url, Title: req.Title, Branch: req.Branch, Base: req.Base, Draft: req.Draft, State: "open"}
	if m := prURLRe.FindStringSubmatch(url); m != nil {
		pr.Number, _ = strconv.Atoi(m[1])
	}
	g.logger.Info("created pull request", "url", url, "branch", req.Branch)
	return pr, nil
}

// UpdatePR edits an existing pull request.
func (g *GitHub) UpdatePR(ctx context.Context, number int, update PRUpdate) error {
	args := []string{"pr", "edit", strconv.Itoa(number)}
	if update.Title != "" {
		args = append(args, "--title", update.Title)
	}
	if update.Body != "" {
		args = append(args, "--body", update.Body)
	}
	for _, l := range update.AddLabels {
		args = append(args, "--add-label", l)
	}
	for _, r := range update.AddReviewers {
		args = append(args, "--add-reviewer", r)
	}
	if len(args) == 3 {
		return nil
	}
	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to update PR #%d: %w", number, err)
	}
	return nil
}

// ListPRs lists pull requests whose head is branch. An empty branch lists
// all open PRs.
func (g *GitHub) ListPRs(ctx context.Context, branch string) ([]PullRequest, error) {
	state := "open"
	if branch != "" {
		state = "all"
	}
	args := []string{"pr", "list", "--state", state, "--json", "number,url,title,headRefName,baseRefName,state,isDraft"}
	if branch != "" {
		args = append(args, "--head", branch)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list PRs: %w", err)
	}
	var prs []PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("failed to decode PR list: %w", err)
	}
	for i := range prs {
		prs[i].State = strings.ToLower(prs[i].State)
	}
	return prs, nil
}

type ghReviewComment struct {
	ID          int64     `json:"id"`
	InReplyToID int64     `json:"in_reply_to_id"`
	Path        string    `json:"path"`
	Line        int       `json:"line"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	User        struct {
		Login string `json:"login"`
	} `json:"user"`
}

// ListReviewThreads returns inline review comments grouped into threads by
// their root comment, in the order the threads were started.
func (g *GitHub) ListReviewThreads(ctx context.Context, pr int) ([]ReviewThread, error) {
	out, err := g.run(ctx, "api", "--paginate", fmt.Sprintf("repos/{owner}/{repo}/pulls/%d/comments", pr))
	if err != nil {
		return nil, fmt.Errorf("failed to list review comments for PR #%d: %w", pr, err)
	}
	var raw []ghReviewComment
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode review comments: %w", err)
	}
	return groupThreads(raw), nil
}

func groupThreads(raw []ghReviewComment) []ReviewThread {
	sort.Slice(raw, func(i, j int) bool { return raw[i].CreatedAt.Before(raw[j].CreatedAt) })

	var (
		threads []ReviewThread
		index   = map[int64]int{}
	)
	for _, c := range raw {
		comment := Comment{ID: c.ID, Author: c.User.Login, Body: c.Body, Path: c.Path, Line: c.Line, CreatedAt: c.CreatedAt}
		if c.InReplyToID != 0 {
			if i, ok := index[c.InReplyToID]; ok {
				threads[i].Comments = append(threads[i].Comments, comment)
				index[c.ID] = i
				continue
			}
		}
		index[c.ID] = len(threads)
		threads = append(threads, ReviewThread{Path: c.Path, Line: c.Line, Comments: []Comment{comment}})
	}
	return threads
}

// ListComments returns the PR's conversation comments, oldest first.
func (g *GitHub) ListComments(ctx context.Context, pr int) ([]Comment, error) {
	out, err := g.run(ctx, "pr", "view", strconv.Itoa(pr), "--json", "comments")
	if err != nil {
		return nil, fmt.Errorf("failed to list comments for PR #%d: %w", pr, err)
	}
	var raw struct {
		Comments []struct {
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			Body      string    `json:"body"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"comments"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode comments: %w", err)
	}
	comments := make([]Comment, len(raw.Comments))
	for i, c := range raw.Comments {
		comments[i] = Comment{Author: c.Author.Login, Body: c.Body, CreatedAt: c.CreatedAt}
	}
	return comments, nil
}

// Close disconnects the provider.
func (g *GitHub) Close() error {
	g.closed.Store(true)
	return nil
}
