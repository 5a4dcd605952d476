// Package flow executes declarative thinking flows: step ordering,
// conditional skipping, quality-gated retries, and for_each fan-out.
// Execution is externally driven: the host LLM supplies each step's
// output and the engine answers with the next cursor position. All
// functions are pure over the session record; persisting the resulting
// mutations is the caller's job.
package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/deepthink-mcp/deepthink/pkg/config"
	"github.com/deepthink-mcp/deepthink/pkg/expr"
	"github.com/deepthink-mcp/deepthink/pkg/models"
)

// RetryMax bounds quality-gate retries per step: after RetryMax+1
// attempts the engine advances regardless of score.
const RetryMax = 2

// ErrForEachResolution indicates a for_each reference could not be
// resolved against the producer step's structured output.
var ErrForEachResolution = errors.New("for_each resolution failed")

// ForEachError carries the failing step and reference.
type ForEachError struct {
	Step   string
	Ref    config.OutputRef
	Reason string
}

// Error returns the formatted error message.
func (e *ForEachError) Error() string {
	return fmt.Sprintf("step %q: for_each %q: %s", e.Step, e.Ref.String(), e.Reason)
}

// Unwrap returns ErrForEachResolution so callers can errors.Is against it.
func (e *ForEachError) Unwrap() error {
	return ErrForEachResolution
}

// DecisionKind classifies the engine's answer to "what runs next".
type DecisionKind int

const (
	// DecisionRetry keeps the cursor on the current step with an
	// incremented retry count
	DecisionRetry DecisionKind = iota
	// DecisionNext moves the cursor to NextStep at Iteration
	DecisionNext
	// DecisionComplete means the flow has no further steps
	DecisionComplete
)

// Decision is the engine's chosen cursor transition plus the steps that
// were conditionally skipped while walking there.
type Decision struct {
	Kind       DecisionKind
	NextStep   *config.FlowStep
	Iteration  int
	Item       any // current for_each element, nil otherwise
	RetryCount int // populated for DecisionRetry
	Skipped    []string
}

// Engine decides cursor transitions for sessions.
type Engine struct{}

// NewEngine creates a flow engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Initial selects the first step of a flow for a fresh session,
// honouring conditionals exactly like a mid-flow advance.
func (e *Engine) Initial(flowDef *config.FlowDefinition, session *models.Session) (*Decision, error) {
	return e.walk(flowDef, session, 0)
}

// Advance decides the next cursor position after the current step's
// result has been recorded on the session:
//
//  1. Quality gate: a score strictly below the step's threshold retries
//     a retryable step, up to RetryMax.
//  2. An unfinished for_each advances to its next iteration.
//  3. Otherwise the walk continues from the following step.
func (e *Engine) Advance(flowDef *config.FlowDefinition, session *models.Session) (*Decision, error) {
	current, ok := flowDef.Step(session.CurrentStep)
	if !ok {
		return nil, fmt.Errorf("%w: %s in flow %s", config.ErrStepNotFound, session.CurrentStep, flowDef.FlowType)
	}

	result, hasResult := session.Result(current.Name, session.CurrentIteration)
	if hasResult && result.QualityScore != nil && current.RetryOnFailure &&
		*result.QualityScore < current.QualityThreshold && result.RetryCount < RetryMax {
		return &Decision{
			Kind:       DecisionRetry,
			NextStep:   current,
			Iteration:  session.CurrentIteration,
			RetryCount: result.RetryCount + 1,
		}, nil
	}

	if current.ForEach != nil {
		items, err := ResolveForEach(session, current)
		if err != nil {
			return nil, err
		}
		if next := session.CurrentIteration + 1; next < len(items) {
			return &Decision{
				Kind:      DecisionNext,
				NextStep:  current,
				Iteration: next,
				Item:      items[next],
			}, nil
		}
	}

	if current.Final {
		return &Decision{Kind: DecisionComplete}, nil
	}

	index, _ := flowDef.Index(current.Name)
	return e.walk(flowDef, session, index+1)
}

// walk selects the first runnable step at or after position start:
// dependencies completed, conditional true (false records a skip and
// continues), and for_each resolvable to a non-empty array (empty
// records a skip and continues).
func (e *Engine) walk(flowDef *config.FlowDefinition, session *models.Session, start int) (*Decision, error) {
	var skipped []string
	env := evalEnv(session)

	for i := start; i < len(flowDef.Steps); i++ {
		step := flowDef.Steps[i]

		if !dependenciesSatisfied(session, step) {
			continue
		}

		if step.Conditional != nil {
			pass, err := step.Conditional.Eval(env)
			if err != nil {
				// Evaluation errors yield false: the step is skipped, not failed.
				slog.Warn("Conditional evaluation failed, skipping step",
					"session_id", session.ID, "step", step.Name, "error", err)
				pass = false
			}
			if !pass {
				skipped = append(skipped, step.Name)
				continue
			}
		}

		if step.ForEach != nil {
			items, err := ResolveForEach(session, step)
			if err != nil {
				return &Decision{Skipped: skipped}, err
			}
			if len(items) == 0 {
				skipped = append(skipped, step.Name)
				continue
			}
			return &Decision{
				Kind:      DecisionNext,
				NextStep:  step,
				Iteration: 0,
				Item:      items[0],
				Skipped:   skipped,
			}, nil
		}

		return &Decision{Kind: DecisionNext, NextStep: step, Skipped: skipped}, nil
	}

	return &Decision{Kind: DecisionComplete, Skipped: skipped}, nil
}

// ResolveForEach extracts the array a for_each step fans out over. The
// producer's structured output must exist, be an object, and carry the
// referenced property as an array.
func ResolveForEach(session *models.Session, step *config.FlowStep) ([]any, error) {
	ref := *step.ForEach

	output, ok := session.StepOutputs[ref.StepName]
	if !ok {
		return nil, &ForEachError{Step: step.Name, Ref: ref,
			Reason: "producer step has no structured output"}
	}
	object, ok := output.(map[string]any)
	if !ok {
		return nil, &ForEachError{Step: step.Name, Ref: ref,
			Reason: fmt.Sprintf("producer output is %T, not an object", output)}
	}
	property, ok := object[ref.Property]
	if !ok {
		return nil, &ForEachError{Step: step.Name, Ref: ref,
			Reason: fmt.Sprintf("property %q absent from producer output", ref.Property)}
	}
	items, ok := property.([]any)
	if !ok {
		return nil, &ForEachError{Step: step.Name, Ref: ref,
			Reason: fmt.Sprintf("property %q is %T, not an array", ref.Property, property)}
	}
	return items, nil
}

// dependenciesSatisfied reports whether every depends_on step has at
// least one completed result.
func dependenciesSatisfied(session *models.Session, step *config.FlowStep) bool {
	for _, dep := range step.DependsOn {
		if !session.StepCompleted(dep) {
			return false
		}
	}
	return true
}

// evalEnv binds the conditional expression identifiers to session
// state: complexity, quality_score, step_count, and the per-step
// <name>.quality_score / <name>.status pairs.
func evalEnv(session *models.Session) expr.Env {
	return expr.EnvFunc(func(name string) (any, bool) {
		switch name {
		case "complexity":
			return string(session.Complexity()), true
		case "quality_score":
			score, ok := session.QualityScores[session.CurrentStep]
			return score, ok
		case "step_count":
			return session.StepNumber, true
		}

		if stepName, ok := strings.CutSuffix(name, ".quality_score"); ok {
			score, exists := session.QualityScores[stepName]
			return score, exists
		}
		if stepName, ok := strings.CutSuffix(name, ".status"); ok {
			results := session.StepResults[stepName]
			if len(results) == 0 {
				return nil, false
			}
			return string(results[len(results)-1].Status), true
		}
		return nil, false
	})
}
