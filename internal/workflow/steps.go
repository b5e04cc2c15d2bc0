package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nidhogg/sprintloop/internal/tool"
)

// Prompter answers prompt steps.
type Prompter interface {
	Prompt(ctx context.Context, prompt string) (string, error)
}

// EchoPrompter returns the prompt unchanged.
type EchoPrompter struct{}

func (EchoPrompter) Prompt(_ context.Context, prompt string) (string, error) { return prompt, nil }

// stepRunner interprets one step type. scope holds variables and prior
// outputs.
type stepRunner interface {
	run(ctx context.Context, step *Step, scope map[string]any) (any, error)
}

type toolStep struct{ registry *tool.Registry }

func (r toolStep) run(ctx context.Context, step *Step, scope map[string]any) (any, error) {
	if step.Tool == "" {
		return nil, errors.New("tool step without tool")
	}
	args, _ := Substitute(step.Args, scope).(map[string]any)
	res := r.registry.Execute(ctx, step.Tool, args)
	if !res.Success {
		return res.Output, errors.New(res.Error)
	}
	return res.Output, nil
}

type promptStep struct{ prompter Prompter }

func (r promptStep) run(ctx context.Context, step *Step, scope map[string]any) (any, error) {
	return r.prompter.Prompt(ctx, SubstituteString(step.Prompt, scope))
}

// conditionStep reports the outcome without branching.
type conditionStep struct{}

func (conditionStep) run(_ context.Context, step *Step, scope map[string]any) (any, error) {
	return strconv.FormatBool(EvaluateCondition(SubstituteString(step.Condition, scope))), nil
}

// nestedStep stands in for parallel and loop steps, whose sub-steps are
// not interpreted.
type nestedStep struct{ kind string }

func (r nestedStep) run(_ context.Context, step *Step, _ map[string]any) (any, error) {
	n := len(step.ParallelSteps)
	if r.kind == "loop" {
		n = len(step.LoopSteps)
	}
	return fmt.Sprintf("%s step simulated (%d sub-steps not executed)", r.kind, n), nil
}

type userInputStep struct{}

func (userInputStep) run(_ context.Context, step *Step, scope map[string]any) (any, error) {
	name := step.Input
	if name == "" {
		name = step.OutputVariable
	}
	v, ok := scope[name]
	if !ok {
		return nil, fmt.Errorf("no input provided for %q", name)
	}
	return v, nil
}

type waitStep struct{ delay time.Duration }

func (r waitStep) run(ctx context.Context, step *Step, scope map[string]any) (any, error) {
	d := r.delay
	if step.Delay != "" {
		parsed, err := time.ParseDuration(SubstituteString(step.Delay, scope))
		if err != nil {
			return nil, fmt.Errorf("invalid delay %q: %w", step.Delay, err)
		}
		d = parsed
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return fmt.Sprintf("waited %s", d), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
