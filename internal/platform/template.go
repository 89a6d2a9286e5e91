package platform

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"strings"
	"text/template"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/convoy/internal/config"
)

// TemplateData is available to PR body templates.
type TemplateData struct {
	// Summary is the composed PR description.
	Summary      string
	Issue        Issue
	Branch       string
	ChangedFiles []string
	// ClosesClause is "Closes #n", ready to paste.
	ClosesClause string
}

// DefaultTemplate is used when no pr.template is configured.
const DefaultTemplate = `{{.Summary}}

{{.ClosesClause}}
`

// RenderTemplate renders a PR body template with data.
func RenderTemplate(tmplStr string, data TemplateData) (string, error) {
	if tmplStr == "" {
		tmplStr = DefaultTemplate
	}
	tmpl, err := template.New("pr-template").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

// ResolveReviewers merges default reviewers with those whose path globs
// match a changed file. Handles are normalized without "@" and sorted.
func ResolveReviewers(changedFiles, defaultReviewers []string, byPath map[string][]string) []string {
	set := make(map[string]bool)
	for _, r := range defaultReviewers {
		set[normalizeReviewer(r)] = true
	}

	for pattern, reviewers := range byPath {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}
		for _, file := range changedFiles {
			if g.Match(file) {
				for _, r := range reviewers {
					set[normalizeReviewer(r)] = true
				}
				break
			}
		}
	}

	out := make([]string, 0, len(set))
	for r := range set {
		if r != "" {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeReviewer(reviewer string) string {
	return strings.TrimPrefix(strings.TrimSpace(reviewer), "@")
}

// FormatClosesClause formats "Closes #n" lines for issue numbers.
func FormatClosesClause(issues ...int) string {
	clauses := make([]string, 0, len(issues))
	for _, n := range issues {
		clauses = append(clauses, fmt.Sprintf("Closes #%d", n))
	}
	return strings.Join(clauses, "\n")
}

// BuildPRRequest assembles a PR request from a composed title and body,
// the issue, and the PR section of the config.
func BuildPRRequest(cfg config.PRConfig, issue Issue, title, summary, branch, base string, changedFiles []string, extraLabels []string) (PRRequest, error) {
	body, err := RenderTemplate(cfg.Template, TemplateData{
		Summary:      strings.TrimSpace(summary),
		Issue:        issue,
		Branch:       branch,
		ChangedFiles: changedFiles,
		ClosesClause: FormatClosesClause(issue.Number),
	})
	if err != nil {
		return PRRequest{}, fmt.Errorf("failed to render PR template: %w", err)
	}

	labels := append(append([]string(nil), cfg.Labels...), extraLabels...)
	sort.Strings(labels)
	labels = slices.DeleteFunc(slices.Compact(labels), func(s string) bool { return s == "" })

	return PRRequest{
		Title:     title,
		Body:      body,
		Branch:    branch,
		Base:      base,
		Draft:     cfg.Draft,
		Reviewers: ResolveReviewers(changedFiles, cfg.Reviewers.Default, cfg.Reviewers.ByPath),
		Labels:    labels,
	}, nil
}
