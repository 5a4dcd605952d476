package flow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepthink-mcp/deepthink/pkg/config"
	"github.com/deepthink-mcp/deepthink/pkg/models"
)

// loadFlow compiles a test flow through the real config loader so the
// engine sees exactly what production sees.
func loadFlow(t *testing.T, flowYAML string) *config.FlowDefinition {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deepthink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(flowYAML), 0o644))
	snapshot, err := config.Initialize(path)
	require.NoError(t, err)
	flow, err := snapshot.Flow("test_flow")
	require.NoError(t, err)
	return flow
}

func newSession(complexity string) *models.Session {
	return models.NewSession("test-session", "topic", "test_flow",
		map[string]any{"complexity": complexity, "topic": "topic"})
}

func completeStep(s *models.Session, name string, iteration int, score *float64, retryCount int) {
	s.SetResult(models.StepResult{
		StepName:       name,
		IterationIndex: iteration,
		Status:         models.StepStatusCompleted,
		RawText:        "output of " + name,
		QualityScore:   score,
		RetryCount:     retryCount,
		StartedAt:      time.Now().UTC(),
	})
	if score != nil {
		s.QualityScores[name] = *score
	}
	s.CurrentStep = name
	s.CurrentIteration = iteration
}

const gatedFlow = `
thinking_flows:
  test_flow:
    name: Gated
    steps:
      - name: step_a
        template_name: reflection
        quality_threshold: 0.8
        retry_on_failure: true
      - name: step_b
        template_name: reflection
        final: true
`

func TestQualityGateRetriesThenAdvances(t *testing.T) {
	flow := loadFlow(t, gatedFlow)
	engine := NewEngine()
	s := newSession("moderate")

	// First low score: retry with retry_count 1.
	low := 0.5
	completeStep(s, "step_a", 0, &low, 0)
	d, err := engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionRetry, d.Kind)
	assert.Equal(t, "step_a", d.NextStep.Name)
	assert.Equal(t, 1, d.RetryCount)

	// Second low score: retry with retry_count 2.
	completeStep(s, "step_a", 0, &low, 1)
	d, err = engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionRetry, d.Kind)
	assert.Equal(t, 2, d.RetryCount)

	// Third low score: retries exhausted, advance regardless.
	completeStep(s, "step_a", 0, &low, 2)
	d, err = engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionNext, d.Kind)
	assert.Equal(t, "step_b", d.NextStep.Name)
}

func TestQualityGateScoreAtThresholdPasses(t *testing.T) {
	flow := loadFlow(t, gatedFlow)
	engine := NewEngine()
	s := newSession("moderate")

	// Exactly at threshold: strict less-than, no retry.
	at := 0.8
	completeStep(s, "step_a", 0, &at, 0)
	d, err := engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionNext, d.Kind)
	assert.Equal(t, "step_b", d.NextStep.Name)
}

func TestQualityGateNotRetryableAdvances(t *testing.T) {
	flow := loadFlow(t, `
thinking_flows:
  test_flow:
    name: NotRetryable
    steps:
      - name: step_a
        template_name: reflection
        quality_threshold: 0.8
      - name: step_b
        template_name: reflection
        final: true
`)
	engine := NewEngine()
	s := newSession("moderate")

	low := 0.1
	completeStep(s, "step_a", 0, &low, 0)
	d, err := engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionNext, d.Kind)
}

func TestConditionalSkip(t *testing.T) {
	flow := loadFlow(t, `
thinking_flows:
  test_flow:
    name: Conditional
    steps:
      - name: step_a
        template_name: reflection
      - name: step_b
        template_name: reflection
        conditional: "complexity == 'complex'"
      - name: step_c
        template_name: reflection
        final: true
`)
	engine := NewEngine()

	t.Run("condition false skips to step_c", func(t *testing.T) {
		s := newSession("simple")
		completeStep(s, "step_a", 0, nil, 0)
		d, err := engine.Advance(flow, s)
		require.NoError(t, err)
		assert.Equal(t, DecisionNext, d.Kind)
		assert.Equal(t, "step_c", d.NextStep.Name)
		assert.Equal(t, []string{"step_b"}, d.Skipped)
	})

	t.Run("condition true selects step_b", func(t *testing.T) {
		s := newSession("complex")
		completeStep(s, "step_a", 0, nil, 0)
		d, err := engine.Advance(flow, s)
		require.NoError(t, err)
		assert.Equal(t, DecisionNext, d.Kind)
		assert.Equal(t, "step_b", d.NextStep.Name)
		assert.Empty(t, d.Skipped)
	})
}

func TestConditionalEvalErrorSkips(t *testing.T) {
	flow := loadFlow(t, `
thinking_flows:
  test_flow:
    name: EvalError
    steps:
      - name: step_a
        template_name: reflection
      - name: step_b
        template_name: reflection
        conditional: "step_a.quality_score > 0.5"
      - name: step_c
        template_name: reflection
        final: true
`)
	engine := NewEngine()

	// step_a completed without a score: the identifier is unresolvable,
	// the conditional yields false, and step_b is skipped rather than failed.
	s := newSession("moderate")
	completeStep(s, "step_a", 0, nil, 0)
	d, err := engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, "step_c", d.NextStep.Name)
	assert.Equal(t, []string{"step_b"}, d.Skipped)
}

const forEachFlow = `
thinking_flows:
  test_flow:
    name: FanOut
    steps:
      - name: decompose
        template_name: decompose_problem
        metadata:
          expected_output: json
      - name: collect
        template_name: collect_evidence
        for_each: decompose.sub_questions
        depends_on: [decompose]
      - name: evaluate
        template_name: reflection
        final: true
`

func TestForEachFanOut(t *testing.T) {
	flow := loadFlow(t, forEachFlow)
	engine := NewEngine()
	s := newSession("moderate")

	items := []any{
		map[string]any{"id": "1"},
		map[string]any{"id": "2"},
		map[string]any{"id": "3"},
	}
	completeStep(s, "decompose", 0, nil, 0)
	s.StepOutputs["decompose"] = map[string]any{"sub_questions": items}

	// Entering the fan-out: iteration 0 with the first item.
	d, err := engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionNext, d.Kind)
	assert.Equal(t, "collect", d.NextStep.Name)
	assert.Equal(t, 0, d.Iteration)
	assert.Equal(t, items[0], d.Item)

	// Iterations 1 and 2.
	for k := 1; k <= 2; k++ {
		completeStep(s, "collect", k-1, nil, 0)
		d, err = engine.Advance(flow, s)
		require.NoError(t, err)
		assert.Equal(t, DecisionNext, d.Kind)
		assert.Equal(t, "collect", d.NextStep.Name)
		assert.Equal(t, k, d.Iteration)
		assert.Equal(t, items[k], d.Item)
	}

	// Last iteration complete: advance past the fan-out.
	completeStep(s, "collect", 2, nil, 0)
	d, err = engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionNext, d.Kind)
	assert.Equal(t, "evaluate", d.NextStep.Name)
}

func TestForEachEmptyArraySkips(t *testing.T) {
	flow := loadFlow(t, forEachFlow)
	engine := NewEngine()
	s := newSession("moderate")

	completeStep(s, "decompose", 0, nil, 0)
	s.StepOutputs["decompose"] = map[string]any{"sub_questions": []any{}}

	d, err := engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionNext, d.Kind)
	assert.Equal(t, "evaluate", d.NextStep.Name)
	assert.Equal(t, []string{"collect"}, d.Skipped)
}

func TestForEachResolutionErrors(t *testing.T) {
	flow := loadFlow(t, forEachFlow)
	engine := NewEngine()

	tests := []struct {
		name   string
		output any // value for StepOutputs["decompose"]; nil means absent
	}{
		{"producer output absent", nil},
		{"property absent", map[string]any{"other": []any{}}},
		{"property not an array", map[string]any{"sub_questions": "three of them"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession("moderate")
			completeStep(s, "decompose", 0, nil, 0)
			if tt.output != nil {
				s.StepOutputs["decompose"] = tt.output
			}

			_, err := engine.Advance(flow, s)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrForEachResolution)

			var feErr *ForEachError
			require.ErrorAs(t, err, &feErr)
			assert.Equal(t, "collect", feErr.Step)
		})
	}
}

func TestDependencyOrdering(t *testing.T) {
	flow := loadFlow(t, `
thinking_flows:
  test_flow:
    name: Deps
    steps:
      - name: step_a
        template_name: reflection
      - name: step_b
        template_name: reflection
      - name: step_c
        template_name: reflection
        depends_on: [step_b]
        final: true
`)
	engine := NewEngine()

	// step_b not completed: step_c is unreachable and the flow completes.
	s := newSession("moderate")
	completeStep(s, "step_a", 0, nil, 0)
	s.StepResults["step_b"] = []models.StepResult{{
		StepName: "step_b", Status: models.StepStatusFailed, StartedAt: time.Now().UTC(),
	}}
	s.CurrentStep = "step_b"
	d, err := engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionComplete, d.Kind)
}

func TestFinalStepCompletes(t *testing.T) {
	flow := loadFlow(t, gatedFlow)
	engine := NewEngine()
	s := newSession("moderate")

	good := 0.9
	completeStep(s, "step_a", 0, &good, 0)
	completeStep(s, "step_b", 0, nil, 0)
	d, err := engine.Advance(flow, s)
	require.NoError(t, err)
	assert.Equal(t, DecisionComplete, d.Kind)
}

func TestInitialSelectsFirstRunnableStep(t *testing.T) {
	flow := loadFlow(t, `
thinking_flows:
  test_flow:
    name: ConditionalFirst
    steps:
      - name: step_a
        template_name: reflection
        conditional: "complexity == 'complex'"
      - name: step_b
        template_name: reflection
        final: true
`)
	engine := NewEngine()

	s := newSession("simple")
	d, err := engine.Initial(flow, s)
	require.NoError(t, err)
	assert.Equal(t, "step_b", d.NextStep.Name)
	assert.Equal(t, []string{"step_a"}, d.Skipped)

	s = newSession("complex")
	d, err = engine.Initial(flow, s)
	require.NoError(t, err)
	assert.Equal(t, "step_a", d.NextStep.Name)
}
