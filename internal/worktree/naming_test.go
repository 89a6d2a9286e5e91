package worktree

import "testing"

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add retry flag", "add-retry-flag"},
		{"Fix: crash on empty input!", "fix-crash-on-empty-input"},
		{"Café déjà vu", "cafe-deja-vu"},
		{"  leading and trailing  ", "leading-and-trailing"},
		{"日本語", ""},
		{"a very long title that definitely exceeds the limit", "a-very-long-title-that-definit"},
		{"trailing dash at cut-off pointx", "trailing-dash-at-cut-off-point"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Slugify(tt.in); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBranchNames(t *testing.T) {
	if got := IssueBranch("convoy", 42, "Add retry flag"); got != "convoy/issue-42-add-retry-flag" {
		t.Errorf("IssueBranch() = %q", got)
	}
	if got := IssueBranch("bot/convoy", 7, "!!!"); got != "bot/convoy/issue-7" {
		t.Errorf("IssueBranch() with empty slug = %q", got)
	}
	if got := DepsBranch("convoy", 42); got != "convoy/issue-42-deps" {
		t.Errorf("DepsBranch() = %q", got)
	}
	if got := IssueDirName(3); got != "issue-3" {
		t.Errorf("IssueDirName() = %q", got)
	}
}

func TestParseIssueDir(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"issue-12", 12, true},
		{"issue-0", 0, false},
		{"issue-x", 0, false},
		{"tmp-deps-3", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseIssueDir(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseIssueDir(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
