// Package models defines the domain records shared across the server:
// sessions, step results, and their status enums.
package models

import (
	"time"
)

// StepComplete is the sentinel cursor value meaning the flow has no
// further steps to execute.
const StepComplete = "__complete__"

// MaxTopicLength is the upper bound on the user-supplied topic text.
const MaxTopicLength = 1000

// Session is the authoritative record of one thinking workflow, from
// start_thinking until completion or expiry. It is a plain record;
// locking is the session manager's job, not the session's.
type Session struct {
	ID               string                  `json:"id"`
	Topic            string                  `json:"topic"`
	FlowType         string                  `json:"flow_type"`
	CurrentStep      string                  `json:"current_step"`
	CurrentIteration int                     `json:"current_iteration"`
	StepNumber       int                     `json:"step_number"`
	Status           SessionStatus           `json:"status"`
	Context          map[string]any          `json:"context"`
	StepResults      map[string][]StepResult `json:"step_results"`
	StepOutputs      map[string]any          `json:"step_outputs"`
	QualityScores    map[string]float64      `json:"quality_scores"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// StepResult records one execution of a flow step. For for_each steps
// there is one result per iteration, keyed by IterationIndex; plain
// steps always use iteration index 0 and retries overwrite in place.
type StepResult struct {
	StepName         string     `json:"step_name"`
	IterationIndex   int        `json:"iteration_index"`
	Status           StepStatus `json:"status"`
	RawText          string     `json:"raw_text,omitempty"`
	StructuredOutput any        `json:"structured_output,omitempty"`
	QualityScore     *float64   `json:"quality_score,omitempty"`
	RetryCount       int        `json:"retry_count"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// NewSession builds an active session positioned before its first step.
func NewSession(id, topic, flowType string, context map[string]any) *Session {
	now := time.Now().UTC()
	if context == nil {
		context = make(map[string]any)
	}
	return &Session{
		ID:            id,
		Topic:         topic,
		FlowType:      flowType,
		Status:        SessionStatusActive,
		Context:       context,
		StepResults:   make(map[string][]StepResult),
		StepOutputs:   make(map[string]any),
		QualityScores: make(map[string]float64),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Touch refreshes the updated_at timestamp.
func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// IsTerminal reports whether the session accepts no further mutation.
func (s *Session) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// CompletedStepCount counts step results in completed state across all
// steps and iterations. The invariant step_number == CompletedStepCount()
// holds after every successful tool call.
func (s *Session) CompletedStepCount() int {
	n := 0
	for _, results := range s.StepResults {
		for _, r := range results {
			if r.Status == StepStatusCompleted {
				n++
			}
		}
	}
	return n
}

// Result returns the recorded result for a step iteration, if any.
func (s *Session) Result(stepName string, iteration int) (StepResult, bool) {
	for _, r := range s.StepResults[stepName] {
		if r.IterationIndex == iteration {
			return r, true
		}
	}
	return StepResult{}, false
}

// SetResult inserts or replaces the result for a step iteration.
func (s *Session) SetResult(result StepResult) {
	results := s.StepResults[result.StepName]
	for i, r := range results {
		if r.IterationIndex == result.IterationIndex {
			results[i] = result
			return
		}
	}
	s.StepResults[result.StepName] = append(results, result)
}

// StepCompleted reports whether at least one completed result exists for
// the named step. Dependency ordering (depends_on) checks use this.
func (s *Session) StepCompleted(stepName string) bool {
	for _, r := range s.StepResults[stepName] {
		if r.Status == StepStatusCompleted {
			return true
		}
	}
	return false
}

// Complexity returns the session's complexity knob, defaulting to
// moderate when absent or malformed.
func (s *Session) Complexity() Complexity {
	if v, ok := s.Context["complexity"].(string); ok {
		if c := Complexity(v); c.IsValid() {
			return c
		}
	}
	return ComplexityModerate
}

// Clone returns a deep copy safe to hand to callers outside the session
// manager's lock.
func (s *Session) Clone() *Session {
	out := *s
	out.Context = cloneMap(s.Context)
	out.StepOutputs = cloneMap(s.StepOutputs)
	out.QualityScores = make(map[string]float64, len(s.QualityScores))
	for k, v := range s.QualityScores {
		out.QualityScores[k] = v
	}
	out.StepResults = make(map[string][]StepResult, len(s.StepResults))
	for k, v := range s.StepResults {
		results := make([]StepResult, len(v))
		copy(results, v)
		out.StepResults[k] = results
	}
	return &out
}

// cloneMap shallow-copies a JSON-shaped map. Values originate from
// json.Unmarshal or config and are treated as immutable.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
