package agent

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/sprintloop/internal/tool"
)

// Planner derives the single next action from the task and what has
// happened so far.
type Planner interface {
	Next(task string, history []Action) Plan
}

// PlannerFunc adapts a function into a Planner.
type PlannerFunc func(task string, history []Action) Plan

func (f PlannerFunc) Next(task string, history []Action) Plan { return f(task, history) }

// DefaultFile is written when a create task names no file.
const DefaultFile = "untitled.txt"

var (
	// Keywords match anywhere in the lowercased task, so "recreate"
	// selects write and "preview" selects read.
	createWords = regexp.MustCompile(`create|make|new`)
	readWords   = regexp.MustCompile(`read|show|view`)
	runWords    = regexp.MustCompile(`run|execute|build`)

	pathPattern   = regexp.MustCompile(`(?:^|\s)([\w./-]*[\w-]\.[A-Za-z0-9]{1,8})(?:\s|$|[,;:!?])`)
	quotedPattern = regexp.MustCompile("`([^`]+)`|\"([^\"]+)\"|'([^']+)'")

	destructivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(^|[\s;&|])rm(\s|$)`),
		regexp.MustCompile(`(^|[\s;&|])rmdir(\s|$)`),
		regexp.MustCompile(`(^|[\s;&|])del(\s|$)`),
		regexp.MustCompile(`(^|\s)-[a-zA-Z]*f[a-zA-Z]*(\s|$)`),
		regexp.MustCompile(`--force\b`),
		regexp.MustCompile(`git\s+push\s+.*(-f|--force)`),
		regexp.MustCompile(`git\s+reset\s+--hard`),
		regexp.MustCompile(`git\s+clean\b`),
		regexp.MustCompile(`(^|[\s;&|])(mkfs|dd|shred)(\s|$)`),
		regexp.MustCompile(`>\s*/dev/`),
	}
)

// IsDestructive reports whether a shell command matches a known
// destructive pattern.
func IsDestructive(command string) bool {
	for _, p := range destructivePatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

// HeuristicPlanner picks actions by keyword. Rules are tried in order
// and a rule whose tool already appears in the history is passed over,
// so every branch runs at most once and the loop ends in complete.
type HeuristicPlanner struct {
	available func(name string) bool
}

// NewHeuristicPlanner returns a planner that degrades to ask_user when
// reg reports a chosen tool unavailable. A nil reg treats every tool as
// available.
func NewHeuristicPlanner(reg *tool.Registry) *HeuristicPlanner {
	p := &HeuristicPlanner{available: func(string) bool { return true }}
	if reg != nil {
		p.available = reg.IsAvailable
	}
	return p
}

func (p *HeuristicPlanner) Next(task string, history []Action) Plan {
	lower := strings.ToLower(task)

	switch {
	case createWords.MatchString(lower) && !taken(history, tool.NameWrite):
		path := extractPath(task)
		if path == "" {
			path = DefaultFile
		}
		return p.toolPlan(tool.NameWrite, map[string]any{
			"path":    path,
			"content": extractContent(task),
		}, fmt.Sprintf("create %s", path), true, 40)

	case readWords.MatchString(lower) && !taken(history, tool.NameRead, tool.NameListDir):
		if path := extractPath(task); path != "" {
			return p.toolPlan(tool.NameRead, map[string]any{"path": path},
				fmt.Sprintf("read %s", path), false, 30)
		}
		return p.toolPlan(tool.NameListDir, map[string]any{"path": "."},
			"no file named, list the working directory", false, 30)

	case runWords.MatchString(lower) && !taken(history, tool.NameBash):
		command := extractCommand(task, runWords)
		if command == "" {
			return Plan{
				Action: newAction(ActionAskUser, tool.NameBash, nil,
					"which command should be run?"),
				Confidence:        0.3,
				EstimatedProgress: 10,
			}
		}
		return p.toolPlan(tool.NameBash, map[string]any{"command": command},
			fmt.Sprintf("run %s", command), IsDestructive(command), 40)
	}

	if len(history) == 0 {
		return Plan{
			Action:            newAction(ActionThink, "", nil, "analyze the task: "+task),
			RemainingSteps:    []string{"complete"},
			Confidence:        0.5,
			EstimatedProgress: 20,
		}
	}
	return Plan{
		Action:            newAction(ActionComplete, "", nil, "no further actions"),
		Confidence:        0.9,
		EstimatedProgress: 100,
	}
}

func (p *HeuristicPlanner) toolPlan(name string, args map[string]any, reason string, confirm bool, progress int) Plan {
	if !p.available(name) {
		return Plan{
			Action: newAction(ActionAskUser, name, nil,
				fmt.Sprintf("tool %s is not available in this environment; how should I proceed?", name)),
			Confidence:        0.2,
			EstimatedProgress: 10,
		}
	}
	return Plan{
		Action:               newAction(ActionToolCall, name, args, reason),
		RemainingSteps:       []string{"complete"},
		Confidence:           0.8,
		RequiresConfirmation: confirm,
		EstimatedProgress:    progress,
	}
}

func newAction(t ActionType, name string, args map[string]any, reasoning string) Action {
	return Action{
		ID:        uuid.New().String(),
		Type:      t,
		Tool:      name,
		Args:      args,
		Reasoning: reasoning,
		Status:    ActionPending,
		Timestamp: time.Now(),
	}
}

func taken(history []Action, names ...string) bool {
	for _, a := range history {
		for _, n := range names {
			if a.Tool == n {
				return true
			}
		}
	}
	return false
}

func extractPath(task string) string {
	m := pathPattern.FindStringSubmatch(task)
	if m == nil {
		return ""
	}
	return m[1]
}

func extractContent(task string) string {
	lower := strings.ToLower(task)
	for _, marker := range []string{"with content", "containing"} {
		i := strings.Index(lower, marker)
		if i < 0 {
			continue
		}
		if q := firstQuoted(task[i:]); q != "" {
			return q
		}
		return strings.TrimSpace(task[i+len(marker):])
	}
	return ""
}

func extractCommand(task string, keyword *regexp.Regexp) string {
	if q := firstQuoted(task); q != "" {
		return q
	}
	loc := keyword.FindStringIndex(strings.ToLower(task))
	if loc == nil {
		return ""
	}
	return strings.TrimSpace(task[loc[1]:])
}

func firstQuoted(s string) string {
	m := quotedPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}
