package tool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nidhogg/sprintloop/internal/capability"
)

// ParamType is the declared JSON type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param describes one named tool argument.
type Param struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Definition is the immutable description of a registered tool.
type Definition struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	Params               []Param           `json:"parameters"`
	Returns              string            `json:"returns,omitempty"`
	RequiresApproval     bool              `json:"requires_approval"`
	RequiredCapabilities []capability.Name `json:"required_capabilities,omitempty"`
}

// Result is the outcome of one tool execution. Failures are data: the
// registry never returns an error alongside a Result.
type Result struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output"`
	Data      any           `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"-"`
	Artifacts []string      `json:"artifacts"`
}

// MarshalJSON renders Duration in milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		alias
		Duration int64 `json:"duration"`
	}{alias(r), r.Duration.Milliseconds()})
}

// Failure builds a failed result.
func Failure(msg string) *Result {
	return &Result{Success: false, Error: msg, Artifacts: []string{}}
}

// Tool is one executable unit. Implementations may return an error; the
// registry converts it into a failed Result.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// ExecuteFunc is the executor signature used by Func.
type ExecuteFunc func(ctx context.Context, args map[string]any) (*Result, error)

// Func adapts a Definition and a function into a Tool.
type Func struct {
	Def Definition
	Fn  ExecuteFunc
}

func (f *Func) Definition() Definition { return f.Def }

func (f *Func) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return f.Fn(ctx, args)
}

// LogEntry records one registry execution.
type LogEntry struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Result    *Result        `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
}

type workdirKey struct{}

// WithWorkdir scopes relative paths used by file and shell tools to dir.
func WithWorkdir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, workdirKey{}, dir)
}

// Workdir returns the directory set by WithWorkdir, or "".
func Workdir(ctx context.Context) string {
	dir, _ := ctx.Value(workdirKey{}).(string)
	return dir
}
