package executor

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/platform"
)

type promptData struct {
	Issue          platform.Issue
	Analysis       string
	Scout          string
	Plan           string
	Implementation string
	Integration    string
	Task           *artifact.Task
	BaseCommit     string
}

var funcs = template.FuncMap{
	"changeTypes": artifact.ChangeTypes,
}

func mustParse(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(funcs).Parse(text))
}

func render(t *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

const issueHeader = `Issue #{{.Issue.Number}}: {{.Issue.Title}}

{{.Issue.Body}}
`

var analystPrompt = mustParse("analyst", issueHeader+`
You are the analyst. Read the issue and the repository, then describe what
must change. Do not modify any files.

Finish your answer with a fenced json block of this shape:

`+"```json"+`
{
  "summary": "one paragraph",
  "requirements": ["each requirement the change must satisfy"],
  "changeType": "one of {{range $i, $t := changeTypes}}{{if $i}}, {{end}}{{$t}}{{end}}",
  "scope": ["packages or areas touched"],
  "acceptanceCriteria": ["observable checks"],
  "ambiguities": [{"question": "...", "assumption": "what you will assume"}]
}
`+"```"+`
`)

var scoutPrompt = mustParse("scout", issueHeader+`
You are the scout. Using the analysis below, find the files an implementer
will need to read or change and the conventions they must follow. Do not
modify any files.

Analysis:
{{.Analysis}}

Finish your answer with a fenced json block:

`+"```json"+`
{"relevantFiles": [{"path": "...", "reason": "..."}], "conventions": ["..."]}
`+"```"+`
`)

var plannerPrompt = mustParse("planner", issueHeader+`
You are the planner. Break the work into small tasks. A task may depend on
other tasks by id; tasks without a dependency path between them may run in
parallel, so they must not edit the same files.

Analysis:
{{.Analysis}}

Scout report:
{{.Scout}}

Finish your answer with a fenced json block:

`+"```json"+`
{
  "summary": "...",
  "tasks": [
    {
      "id": "t1",
      "name": "...",
      "description": "...",
      "files": ["paths the task edits"],
      "dependsOn": [],
      "complexity": "low|medium|high",
      "acceptanceCriteria": ["..."]
    }
  ]
}
`+"```"+`
`)

var implementerPrompt = mustParse("implementer", issueHeader+`
You are an implementer working on one task of a larger plan. Change only the
files this task needs. Do not commit.

Task {{.Task.ID}}: {{.Task.Name}}
{{.Task.Description}}

Files:
{{range .Task.Files}}- {{.}}
{{end}}
Acceptance criteria:
{{range .Task.AcceptanceCriteria}}- {{.}}
{{end}}
Finish your answer with a fenced json block:

`+"```json"+`
{"taskId": "{{.Task.ID}}", "status": "done", "filesChanged": ["..."], "notes": "..."}
`+"```"+`
`)

var integrationPrompt = mustParse("integration-verifier", issueHeader+`
You are the integration verifier. Build the project and run its tests. Fix
failures caused by this change; do not fix failures that already exist at
{{.BaseCommit}}, report them as baseline failures instead.

Plan:
{{.Plan}}

Implementation summary:
{{.Implementation}}

Finish your answer with a fenced json block:

`+"```json"+`
{
  "buildResult": {"pass": true, "command": "...", "output": "tail of output"},
  "testResult": {"pass": true, "command": "...", "output": "tail of output"},
  "newRegressions": [],
  "baselineFailures": [],
  "summary": "..."
}
`+"```"+`
`)

var prComposerPrompt = mustParse("pr-composer", issueHeader+`
You are the PR composer. Write the pull request title and body for the
changes on this branch since {{.BaseCommit}}. Do not modify any files.

Analysis:
{{.Analysis}}

Implementation summary:
{{.Implementation}}

Integration report:
{{.Integration}}

Finish your answer with a fenced json block:

`+"```json"+`
{"title": "...", "body": "markdown", "labels": []}
`+"```"+`
`)
