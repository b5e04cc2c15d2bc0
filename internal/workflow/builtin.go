package workflow

import "github.com/nidhogg/sprintloop/internal/tool"

// Builtins returns the templates every catalog starts with.
func Builtins() []Template {
	return []Template{
		{
			ID:          "create-file",
			Name:        "Create file",
			Description: "Write a file and read it back",
			Version:     "1.0.0",
			Variables: []Variable{
				{Name: "path", Type: "string", Required: true, Description: "File to create"},
				{Name: "content", Type: "string", Default: "", Description: "File content"},
			},
			Steps: []Step{
				{
					ID:      "write",
					Name:    "Write file",
					Type:    StepTool,
					Tool:    tool.NameWrite,
					Args:    map[string]any{"path": "{{path}}", "content": "{{content}}"},
					OnError: OnErrorFail,
				},
				{
					ID:             "verify",
					Name:           "Read back",
					Type:           StepTool,
					Tool:           tool.NameRead,
					Args:           map[string]any{"path": "{{path}}"},
					OutputVariable: "written",
					OnError:        OnErrorFail,
				},
			},
		},
		{
			ID:          "run-tests",
			Name:        "Run tests",
			Description: "Run the test command and report whether it passed",
			Version:     "1.0.0",
			Variables: []Variable{
				{Name: "command", Type: "string", Default: "go test ./...", Description: "Test command"},
			},
			Steps: []Step{
				{
					ID:             "status",
					Name:           "Repository status",
					Type:           StepTool,
					Tool:           tool.NameGitStatus,
					OutputVariable: "git_status",
					OnError:        OnErrorSkip,
				},
				{
					ID:             "test",
					Name:           "Run tests",
					Type:           StepTool,
					Tool:           tool.NameBash,
					Args:           map[string]any{"command": "{{command}}"},
					OutputVariable: "test_output",
					OnError:        OnErrorContinue,
				},
				{
					ID:             "check",
					Name:           "Check result",
					Type:           StepCondition,
					Condition:      "{{test_output}} contains FAIL",
					OutputVariable: "failed",
				},
			},
		},
		{
			ID:          "code-review",
			Name:        "Code review",
			Description: "Read a file and ask for a review",
			Version:     "1.0.0",
			Variables: []Variable{
				{Name: "file", Type: "string", Required: true, Description: "File to review"},
				{Name: "focus", Type: "string", Default: "correctness", Description: "Review focus"},
			},
			Steps: []Step{
				{
					ID:             "read",
					Name:           "Read file",
					Type:           StepTool,
					Tool:           tool.NameRead,
					Args:           map[string]any{"path": "{{file}}"},
					OutputVariable: "source",
					OnError:        OnErrorFail,
				},
				{
					ID:             "review",
					Name:           "Review",
					Type:           StepPrompt,
					Prompt:         "Review {{file}} for {{focus}}:\n{{source}}",
					OutputVariable: "review",
				},
			},
		},
	}
}
