package tools

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/tinyland-inc/parley/pkg/capability"
	"github.com/tinyland-inc/parley/pkg/utils"
)

// defaultDenyPatterns block commands that no chat-room agent has any
// business running, even with approval.
var defaultDenyPatterns = []string{
	`\brm\s+(-[a-z]*\s+)*/(\s|$)`,
	`\bmkfs\b`,
	`\bdd\b.*\bof=/dev/`,
	`:\(\)\s*\{.*\};\s*:`,
	`\bshutdown\b`,
	`\breboot\b`,
	`>\s*/dev/sd[a-z]`,
}

// ExecTool runs shell commands inside the agent workspace. Always
// approval-gated.
type ExecTool struct {
	workdir string
	timeout time.Duration
	deny    []*regexp.Regexp
}

func NewExecTool(workdir string, timeoutSeconds int, denyEnabled bool, customDeny []string) (*ExecTool, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}
	t := &ExecTool{
		workdir: workdir,
		timeout: time.Duration(timeoutSeconds) * time.Second,
	}
	if denyEnabled {
		for _, p := range append(append([]string{}, defaultDenyPatterns...), customDeny...) {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("exec: bad deny pattern %q: %w", p, err)
			}
			t.deny = append(t.deny, re)
		}
	}
	return t, nil
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Catalog() []capability.Entry {
	return []capability.Entry{
		{
			Tool: "exec", Func: "run",
			Description: "Run a shell command in the agent workspace",
			Tags:        []string{"shell", "command"},
			Synonyms:    []string{"execute", "terminal", "bash"},
			SideEffect:  true,
			Approval:    "ask",
		},
	}
}

func (t *ExecTool) Execute(ctx context.Context, fn string, args map[string]any, tc ToolContext) *ToolResult {
	if fn != "run" {
		return ErrorResult(fmt.Sprintf("exec: unknown function %q", fn))
	}
	command := stringArg(args, "command")
	if strings.TrimSpace(command) == "" {
		return ErrorResult("exec: missing command argument")
	}
	if reason := t.denied(command); reason != "" {
		return ErrorResult(fmt.Sprintf("exec: command blocked by deny pattern %s", reason))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if t.workdir != "" {
		cmd.Dir = t.workdir
	}
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("exec: command timed out after %s", t.timeout))
	}
	if err != nil {
		if output == "" {
			return ErrorResult(fmt.Sprintf("exec: %v", err))
		}
		return ErrorResult(fmt.Sprintf("exec: %v\n%s", err, utils.Truncate(output, 2000)))
	}
	if output == "" {
		return TextResult("(no output)")
	}
	return &ToolResult{
		ForLLM:   utils.Truncate(output, 4000),
		Markdown: fmt.Sprintf("```\n%s\n```", utils.Truncate(output, 4000)),
	}
}

// denied returns the offending pattern, or empty when the command is allowed.
func (t *ExecTool) denied(command string) string {
	for _, re := range t.deny {
		if re.MatchString(command) {
			return re.String()
		}
	}
	return ""
}
