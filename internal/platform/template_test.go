package platform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/convoy/internal/config"
)

func TestRenderTemplate_Default(t *testing.T) {
	got, err := RenderTemplate("", TemplateData{Summary: "Adds retries.", ClosesClause: "Closes #7"})
	require.NoError(t, err)
	assert.Equal(t, "Adds retries.\n\nCloses #7\n", got)
}

func TestRenderTemplate_Custom(t *testing.T) {
	tmpl := "## {{.Issue.Title}}\n{{range .ChangedFiles}}- {{.}}\n{{end}}"
	got, err := RenderTemplate(tmpl, TemplateData{
		Issue:        Issue{Title: "Fix login"},
		ChangedFiles: []string{"a.go", "b.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "## Fix login\n- a.go\n- b.go\n", got)
}

func TestRenderTemplate_ParseError(t *testing.T) {
	_, err := RenderTemplate("{{.Summary", TemplateData{})
	assert.Error(t, err)
}

func TestResolveReviewers(t *testing.T) {
	tests := []struct {
		name    string
		changed []string
		def     []string
		byPath  map[string][]string
		want    []string
	}{
		{
			name: "defaults only",
			def:  []string{"@bob", "alice"},
			want: []string{"alice", "bob"},
		},
		{
			name:    "path match adds reviewers",
			changed: []string{"internal/git/merge.go"},
			def:     []string{"alice"},
			byPath:  map[string][]string{"internal/git/**": {"@carol"}, "docs/**": {"dave"}},
			want:    []string{"alice", "carol"},
		},
		{
			name:    "single star does not cross directories",
			changed: []string{"internal/git/sub/x.go"},
			byPath:  map[string][]string{"internal/git/*": {"carol"}},
			want:    []string{},
		},
		{
			name:    "duplicates collapse",
			changed: []string{"a.go"},
			def:     []string{"alice"},
			byPath:  map[string][]string{"*.go": {"@alice"}},
			want:    []string{"alice"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveReviewers(tt.changed, tt.def, tt.byPath))
		})
	}
}

func TestFormatClosesClause(t *testing.T) {
	assert.Equal(t, "Closes #3", FormatClosesClause(3))
	assert.Equal(t, "", FormatClosesClause())
}

func TestBuildPRRequest(t *testing.T) {
	cfg := config.PRConfig{
		Draft:  true,
		Labels: []string{"convoy", "automated"},
		Reviewers: config.ReviewerConfig{
			Default: []string{"alice"},
			ByPath:  map[string][]string{"docs/**": {"dave"}},
		},
	}
	req, err := BuildPRRequest(cfg, Issue{Number: 9, Title: "Docs"}, "Update docs", "Rewrites the guide.",
		"convoy/issue-9-docs", "main", []string{"docs/guide.md"}, []string{"convoy", "", "docs"})
	require.NoError(t, err)

	assert.Equal(t, "Update docs", req.Title)
	assert.True(t, req.Draft)
	assert.Equal(t, "main", req.Base)
	assert.Equal(t, []string{"automated", "convoy", "docs"}, req.Labels)
	assert.Equal(t, []string{"alice", "dave"}, req.Reviewers)
	assert.True(t, strings.HasSuffix(req.Body, "Closes #9\n"), "body = %q", req.Body)
}

func TestParseDependsOn(t *testing.T) {
	tests := []struct {
		body string
		want []int
	}{
		{"no deps here", nil},
		{"Depends on #4", []int{4}},
		{"Some text\n- Blocked by: #7, #2 and #7\n", []int{2, 7}},
		{"requires #10\nDepends on #3", []int{3, 10}},
		{"mentions #5 inline but not as a dependency", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseDependsOn(tt.body), tt.body)
	}
}
