package worktree

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 30

// Slugify converts text to a slug suitable for branch names. Accents are
// folded to their base letters, anything that is not a letter or digit
// becomes a dash, and the result is limited to 30 bytes.
func Slugify(text string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), text)
	if err != nil {
		folded = text
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}

	s := b.String()
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
	}
	return strings.Trim(s, "-")
}

// IssueBranch returns the working branch for an issue, for example
// "convoy/issue-42-add-retry-flag".
func IssueBranch(prefix string, issue int, title string) string {
	if slug := Slugify(title); slug != "" {
		return fmt.Sprintf("%s/issue-%d-%s", prefix, issue, slug)
	}
	return fmt.Sprintf("%s/issue-%d", prefix, issue)
}

// DepsBranch returns the dependency baseline branch for an issue.
func DepsBranch(prefix string, issue int) string {
	return fmt.Sprintf("%s/issue-%d-deps", prefix, issue)
}

// IssueDirName returns the worktree directory name for an issue.
func IssueDirName(issue int) string {
	return fmt.Sprintf("issue-%d", issue)
}
