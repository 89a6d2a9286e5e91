package depmerge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/logging"
	"github.com/Iron-Ham/convoy/internal/phase"
)

// AgentResolver asks the conflict-resolver agent to fix a conflicted merge
// in place. It reports success only when the agent exits cleanly and no
// conflict markers remain in the conflicted files.
type AgentResolver struct {
	Launcher agent.Launcher
	Logger   *logging.Logger
}

// NewAgentResolver returns a resolver backed by launcher.
func NewAgentResolver(launcher agent.Launcher, logger *logging.Logger) *AgentResolver {
	return &AgentResolver{Launcher: launcher, Logger: logging.OrNop(logger)}
}

// Resolve implements Resolver.
func (r *AgentResolver) Resolve(ctx context.Context, c *Conflict) (bool, error) {
	res, err := r.Launcher.Launch(ctx, agent.Invocation{
		Agent:   agent.ConflictResolver,
		Issue:   c.Record.Issue,
		Phase:   phase.Implementation,
		Prompt:  conflictPrompt(c),
		WorkDir: c.WorktreePath,
	})
	if err != nil {
		return false, err
	}
	if !res.Success {
		return false, nil
	}

	for _, f := range c.Record.Files {
		marked, err := hasConflictMarkers(filepath.Join(c.WorktreePath, f))
		if err != nil {
			return false, err
		}
		if marked {
			logging.OrNop(r.Logger).Warn("conflict markers remain after resolution", "issue", c.Record.Issue, "file", f)
			return false, nil
		}
	}
	return true, nil
}

func conflictPrompt(c *Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A git merge of branch %s (issue #%d) into the dependency baseline for issue #%d has conflicts.\n\n",
		c.Dependency.Branch, c.Dependency.Issue, c.Record.Issue)
	b.WriteString("Conflicted files:\n")
	for _, f := range c.Record.Files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nResolve every conflict so both sides' intent is preserved. Earlier dependencies take priority when the changes cannot be combined. ")
	b.WriteString("Edit the files in place and remove all conflict markers. Do not commit; the merge is committed for you.\n")
	return b.String()
}

// hasConflictMarkers reports whether path still contains merge markers. A
// file deleted during resolution has none.
func hasConflictMarkers(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "<<<<<<< ") || strings.HasPrefix(line, ">>>>>>> ") || line == "=======" {
			return true, nil
		}
	}
	return false, sc.Err()
}
