package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepthink-mcp/deepthink/pkg/config"
	"github.com/deepthink-mcp/deepthink/pkg/database"
	"github.com/deepthink-mcp/deepthink/pkg/flow"
	"github.com/deepthink-mcp/deepthink/pkg/models"
	"github.com/deepthink-mcp/deepthink/pkg/session"
	"github.com/deepthink-mcp/deepthink/pkg/store"
	"github.com/deepthink-mcp/deepthink/pkg/template"
)

// comprehensiveFlow mirrors the decompose / fan-out / evaluate shape of
// the end-to-end scenarios.
const comprehensiveFlow = `
server:
  default_flow: comprehensive_analysis
  session_timeout_minutes: 60
thinking_flows:
  comprehensive_analysis:
    name: Comprehensive Analysis
    steps:
      - name: decompose
        template_name: decompose_problem
        metadata:
          expected_output: json
      - name: collect_evidence
        template_name: collect_evidence
        for_each: decompose.sub_questions
        depends_on: [decompose]
      - name: evaluate
        template_name: reflection
        final: true
  gated:
    name: Gated
    steps:
      - name: step_a
        template_name: quick_analysis
        quality_threshold: 0.8
        retry_on_failure: true
      - name: step_b
        template_name: quick_conclusion
        final: true
  conditional:
    name: Conditional
    steps:
      - name: step_a
        template_name: quick_analysis
      - name: step_b
        template_name: multi_perspective_debate
        conditional: "complexity == 'complex'"
      - name: step_c
        template_name: quick_conclusion
        final: true
`

type fixture struct {
	handlers *Handlers
	sessions *session.Manager
	store    *store.SessionStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deepthink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(comprehensiveFlow), 0o644))
	snapshot, err := config.Initialize(path)
	require.NoError(t, err)
	holder := config.NewHolder(snapshot)

	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sessionStore := store.NewSessionStore(client.DB())
	sessions, err := session.NewManager(sessionStore,
		snapshot.Settings.SessionCacheSize,
		snapshot.Settings.MaxSessions,
		time.Duration(snapshot.Settings.SessionTimeoutMinutes)*time.Minute)
	require.NoError(t, err)

	templates, err := template.NewManager(holder)
	require.NoError(t, err)

	return &fixture{
		handlers: NewHandlers(holder, sessions, templates, flow.NewEngine()),
		sessions: sessions,
		store:    sessionStore,
	}
}

func callReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func decodeSuccess(t *testing.T, res *mcp.CallToolResult) ToolResult {
	t.Helper()
	require.False(t, res.IsError, "expected success, got error result")
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var out ToolResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func decodeError(t *testing.T, res *mcp.CallToolResult) ErrorEnvelope {
	t.Helper()
	require.True(t, res.IsError, "expected error result")
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var out ErrorEnvelope
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func (f *fixture) start(t *testing.T, args map[string]any) ToolResult {
	t.Helper()
	res, err := f.handlers.handleStartThinking(context.Background(), callReq(args))
	require.NoError(t, err)
	return decodeSuccess(t, res)
}

func (f *fixture) next(t *testing.T, sessionID, stepResult string, feedback map[string]any) *mcp.CallToolResult {
	t.Helper()
	args := map[string]any{"session_id": sessionID, "step_result": stepResult}
	if feedback != nil {
		args["quality_feedback"] = feedback
	}
	res, err := f.handlers.handleNextStep(context.Background(), callReq(args))
	require.NoError(t, err)
	return res
}

func TestDecompositionFanOut(t *testing.T) {
	f := newFixture(t)

	started := f.start(t, map[string]any{
		"topic":      "How to improve team productivity?",
		"complexity": "moderate",
	})
	require.NotEmpty(t, started.SessionID)
	assert.Equal(t, "decompose", started.Step)
	assert.Contains(t, started.PromptTemplate, "How to improve team productivity?")

	subQuestions := `{"sub_questions":[{"id":"1"},{"id":"2"},{"id":"3"}]}`
	for i := 0; i < 3; i++ {
		var result ToolResult
		if i == 0 {
			result = decodeSuccess(t, f.next(t, started.SessionID, subQuestions, nil))
		} else {
			result = decodeSuccess(t, f.next(t, started.SessionID, fmt.Sprintf("evidence %d", i), nil))
		}
		assert.Equal(t, "collect_evidence", result.Step)
		item, ok := result.Context["item"].(map[string]any)
		require.True(t, ok, "context.item must carry the current sub-question")
		assert.Equal(t, fmt.Sprintf("%d", i+1), item["id"])
		assert.Equal(t, float64(i), result.Context["item_index"])
	}

	// Fourth next_step leaves the fan-out.
	result := decodeSuccess(t, f.next(t, started.SessionID, "evidence 3", nil))
	assert.Equal(t, "evaluate", result.Step)

	// Finish the final step, then complete.
	result = decodeSuccess(t, f.next(t, started.SessionID, "evaluation text", nil))
	assert.Equal(t, models.StepComplete, result.Step)

	res, err := f.handlers.handleCompleteThinking(context.Background(),
		callReq(map[string]any{"session_id": started.SessionID}))
	require.NoError(t, err)
	completed := decodeSuccess(t, res)
	assert.Equal(t, models.StepComplete, completed.Step)

	loaded, err := f.store.LoadSession(context.Background(), started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, loaded.Status)
	assert.Equal(t, 5, loaded.CompletedStepCount())
	assert.Equal(t, 5, loaded.StepNumber)
}

func TestQualityGatedRetry(t *testing.T) {
	f := newFixture(t)

	started := f.start(t, map[string]any{"topic": "X", "flow_type": "gated"})
	assert.Equal(t, "step_a", started.Step)

	low := map[string]any{"quality_score": 0.5, "feedback": "too shallow"}

	result := decodeSuccess(t, f.next(t, started.SessionID, "attempt one", low))
	assert.Equal(t, "step_a", result.Step)
	assert.Equal(t, float64(1), result.Metadata["retry_count"])

	result = decodeSuccess(t, f.next(t, started.SessionID, "attempt two", low))
	assert.Equal(t, "step_a", result.Step)
	assert.Equal(t, float64(2), result.Metadata["retry_count"])

	// Retries exhausted: advance regardless of score.
	result = decodeSuccess(t, f.next(t, started.SessionID, "attempt three", low))
	assert.Equal(t, "step_b", result.Step)
}

func TestQualityScoreAtThresholdDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, map[string]any{"topic": "X", "flow_type": "gated"})

	result := decodeSuccess(t, f.next(t, started.SessionID, "solid work",
		map[string]any{"quality_score": 0.8}))
	assert.Equal(t, "step_b", result.Step)
}

func TestConditionalSkipRecordsSkippedStatus(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, map[string]any{
		"topic": "X", "complexity": "simple", "flow_type": "conditional",
	})
	assert.Equal(t, "step_a", started.Step)

	result := decodeSuccess(t, f.next(t, started.SessionID, "analysis", nil))
	assert.Equal(t, "step_c", result.Step)

	loaded, err := f.store.LoadSession(context.Background(), started.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.StepResults["step_b"], 1)
	assert.Equal(t, models.StepStatusSkipped, loaded.StepResults["step_b"][0].Status)
}

func TestForEachEmptyArraySkipsConsumer(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, map[string]any{"topic": "X"})

	result := decodeSuccess(t, f.next(t, started.SessionID, `{"sub_questions":[]}`, nil))
	assert.Equal(t, "evaluate", result.Step)

	loaded, err := f.store.LoadSession(context.Background(), started.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.StepResults["collect_evidence"], 1)
	assert.Equal(t, models.StepStatusSkipped, loaded.StepResults["collect_evidence"][0].Status)
}

func TestForEachMalformedProducerOutput(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, map[string]any{"topic": "X"})

	res := f.next(t, started.SessionID, "not json at all", nil)
	envelope := decodeError(t, res)
	assert.Equal(t, CodeForEachResolution, envelope.ErrorCode)
	assert.NotEmpty(t, envelope.RecoverySuggestions)

	// The session stays active at the same cursor, consumer marked failed.
	loaded, err := f.store.LoadSession(context.Background(), started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, loaded.Status)
	assert.Equal(t, "decompose", loaded.CurrentStep)
	require.Len(t, loaded.StepResults["collect_evidence"], 1)
	assert.Equal(t, models.StepStatusFailed, loaded.StepResults["collect_evidence"][0].Status)

	// analyze_step still works on the same session.
	analyzeRes, err := f.handlers.handleAnalyzeStep(context.Background(), callReq(map[string]any{
		"session_id":    started.SessionID,
		"step_name":     "decompose",
		"step_result":   "not json at all",
		"analysis_type": "format",
	}))
	require.NoError(t, err)
	analysis := decodeSuccess(t, analyzeRes)
	assert.Equal(t, "decompose", analysis.Step)
	assert.Contains(t, analysis.PromptTemplate, "not json at all")
}

func TestAnalyzeStepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, map[string]any{"topic": "X"})

	args := map[string]any{
		"session_id":    started.SessionID,
		"step_name":     "decompose",
		"step_result":   "some output",
		"analysis_type": "quality",
	}

	before, err := f.store.LoadSession(context.Background(), started.SessionID)
	require.NoError(t, err)

	var first string
	for i := 0; i < 3; i++ {
		res, err := f.handlers.handleAnalyzeStep(context.Background(), callReq(args))
		require.NoError(t, err)
		result := decodeSuccess(t, res)
		if i == 0 {
			first = result.PromptTemplate
		} else {
			assert.Equal(t, first, result.PromptTemplate)
		}
	}

	after, err := f.store.LoadSession(context.Background(), started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, before.CurrentStep, after.CurrentStep)
	assert.Equal(t, before.StepNumber, after.StepNumber)
	assert.Equal(t, len(before.StepResults), len(after.StepResults))
}

func TestStartThinkingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("empty topic", func(t *testing.T) {
		res, err := f.handlers.handleStartThinking(ctx, callReq(map[string]any{"topic": "  "}))
		require.NoError(t, err)
		assert.Equal(t, CodeValidationError, decodeError(t, res).ErrorCode)
	})

	t.Run("topic at limit accepted", func(t *testing.T) {
		topic := make([]rune, models.MaxTopicLength)
		for i := range topic {
			topic[i] = 'x'
		}
		res, err := f.handlers.handleStartThinking(ctx, callReq(map[string]any{"topic": string(topic)}))
		require.NoError(t, err)
		assert.False(t, res.IsError)
	})

	t.Run("topic over limit rejected", func(t *testing.T) {
		topic := make([]rune, models.MaxTopicLength+1)
		for i := range topic {
			topic[i] = 'x'
		}
		res, err := f.handlers.handleStartThinking(ctx, callReq(map[string]any{"topic": string(topic)}))
		require.NoError(t, err)
		assert.Equal(t, CodeValidationError, decodeError(t, res).ErrorCode)
	})

	t.Run("bad complexity", func(t *testing.T) {
		res, err := f.handlers.handleStartThinking(ctx, callReq(map[string]any{
			"topic": "X", "complexity": "extreme",
		}))
		require.NoError(t, err)
		assert.Equal(t, CodeValidationError, decodeError(t, res).ErrorCode)
	})

	t.Run("unknown flow", func(t *testing.T) {
		res, err := f.handlers.handleStartThinking(ctx, callReq(map[string]any{
			"topic": "X", "flow_type": "ghost",
		}))
		require.NoError(t, err)
		assert.Equal(t, CodeFlowNotFound, decodeError(t, res).ErrorCode)
	})
}

func TestNextStepValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := f.start(t, map[string]any{"topic": "X"})

	t.Run("unknown session", func(t *testing.T) {
		res, err := f.handlers.handleNextStep(ctx, callReq(map[string]any{
			"session_id": "ghost", "step_result": "output",
		}))
		require.NoError(t, err)
		assert.Equal(t, CodeSessionNotFound, decodeError(t, res).ErrorCode)
	})

	t.Run("missing step_result", func(t *testing.T) {
		res, err := f.handlers.handleNextStep(ctx, callReq(map[string]any{
			"session_id": started.SessionID,
		}))
		require.NoError(t, err)
		assert.Equal(t, CodeValidationError, decodeError(t, res).ErrorCode)
	})

	t.Run("quality score out of range", func(t *testing.T) {
		res, err := f.handlers.handleNextStep(ctx, callReq(map[string]any{
			"session_id":       started.SessionID,
			"step_result":      "output",
			"quality_feedback": map[string]any{"quality_score": 1.5},
		}))
		require.NoError(t, err)
		assert.Equal(t, CodeValidationError, decodeError(t, res).ErrorCode)
	})
}

func TestSessionExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := f.start(t, map[string]any{"topic": "X"})

	// Backdate the session past the timeout.
	old := models.NewSession(started.SessionID, "X", "comprehensive_analysis",
		map[string]any{"complexity": "moderate", "topic": "X"})
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, f.store.SaveSession(ctx, old))
	f.sessions.DropFromCache(started.SessionID)

	res := f.next(t, started.SessionID, "too late", nil)
	assert.Equal(t, CodeSessionExpired, decodeError(t, res).ErrorCode)

	// A fresh start_thinking works.
	fresh := f.start(t, map[string]any{"topic": "X"})
	assert.NotEqual(t, started.SessionID, fresh.SessionID)
	assert.Equal(t, "decompose", fresh.Step)
}

func TestTerminalSessionRejectsFurtherCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := f.start(t, map[string]any{"topic": "X"})

	res, err := f.handlers.handleCompleteThinking(ctx,
		callReq(map[string]any{"session_id": started.SessionID, "final_insights": "fine"}))
	require.NoError(t, err)
	completed := decodeSuccess(t, res)
	assert.Equal(t, models.StepComplete, completed.Step)

	// The no-next_step law: one step in history, still pending.
	loaded, err := f.store.LoadSession(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, loaded.Status)
	require.Len(t, loaded.StepResults, 1)
	require.Len(t, loaded.StepResults["decompose"], 1)
	assert.Equal(t, models.StepStatusPending, loaded.StepResults["decompose"][0].Status)

	nextRes := f.next(t, started.SessionID, "anything", nil)
	assert.Equal(t, CodeSessionTerminal, decodeError(t, nextRes).ErrorCode)

	completeRes, err := f.handlers.handleCompleteThinking(ctx,
		callReq(map[string]any{"session_id": started.SessionID}))
	require.NoError(t, err)
	assert.Equal(t, CodeSessionTerminal, decodeError(t, completeRes).ErrorCode)
}
