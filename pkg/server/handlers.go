package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepthink-mcp/deepthink/pkg/config"
	"github.com/deepthink-mcp/deepthink/pkg/flow"
	"github.com/deepthink-mcp/deepthink/pkg/models"
	"github.com/deepthink-mcp/deepthink/pkg/store"
)

// handleStartThinking validates the request, creates a session
// positioned at the flow's first runnable step, and returns that step's
// rendered prompt.
func (h *Handlers) handleStartThinking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic := strings.TrimSpace(mcp.ParseString(req, "topic", ""))
	if topic == "" {
		return toolError(CodeValidationError, "topic is required", nil)
	}
	if n := len([]rune(topic)); n > models.MaxTopicLength {
		return toolError(CodeValidationError,
			fmt.Sprintf("topic exceeds %d characters", models.MaxTopicLength),
			map[string]any{"topic_length": n})
	}

	complexity := models.Complexity(mcp.ParseString(req, "complexity", string(models.ComplexityModerate)))
	if !complexity.IsValid() {
		return toolError(CodeValidationError,
			fmt.Sprintf("complexity must be simple, moderate, or complex, got %q", complexity), nil)
	}
	focus := mcp.ParseString(req, "focus", "")

	snapshot := h.snapshots.Current()
	flowType := mcp.ParseString(req, "flow_type", snapshot.Settings.DefaultFlow)
	flowDef, err := snapshot.Flow(flowType)
	if err != nil {
		return failWith(err)
	}

	sessionContext := map[string]any{
		"topic":      topic,
		"complexity": string(complexity),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if focus != "" {
		sessionContext["focus"] = focus
	}

	sess, err := h.sessions.Create(ctx, topic, flowType, sessionContext)
	if err != nil {
		return failWith(err)
	}

	unlock := h.sessions.Lock(sess.ID)
	defer unlock()

	decision, err := h.engine.Initial(flowDef, sess)
	if err != nil {
		return h.failDecision(ctx, sess, err)
	}
	return h.finishTransition(ctx, sess, flowDef, decision, "start_thinking", nil)
}

// handleNextStep records the host's output for the current step,
// applies the quality gate, and moves the cursor to whatever the flow
// engine selects next.
func (h *Handlers) handleNextStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return toolError(CodeValidationError, "session_id is required", nil)
	}
	stepResult := mcp.ParseString(req, "step_result", "")
	if stepResult == "" {
		return toolError(CodeValidationError, "step_result is required", nil)
	}
	feedback, errResult, err := parseQualityFeedback(req.GetArguments()["quality_feedback"])
	if errResult != nil || err != nil {
		return errResult, err
	}

	unlock := h.sessions.Lock(sessionID)
	defer unlock()

	sess, err := h.sessions.Get(ctx, sessionID, true)
	if err != nil {
		return failWith(err)
	}
	if sess.IsTerminal() {
		return toolError(CodeSessionTerminal,
			fmt.Sprintf("session %s is %s", sessionID, sess.Status), nil)
	}
	if sess.CurrentStep == models.StepComplete {
		return toolError(CodeValidationError,
			"the flow has no further steps; call complete_thinking", nil)
	}

	snapshot := h.snapshots.Current()
	flowDef, err := snapshot.Flow(sess.FlowType)
	if err != nil {
		return failWith(err)
	}
	step, ok := flowDef.Step(sess.CurrentStep)
	if !ok {
		return failWith(fmt.Errorf("%w: %s in flow %s", config.ErrStepNotFound, sess.CurrentStep, sess.FlowType))
	}

	now := time.Now().UTC()
	result := models.StepResult{
		StepName:       step.Name,
		IterationIndex: sess.CurrentIteration,
		Status:         models.StepStatusCompleted,
		RawText:        stepResult,
		QualityScore:   feedback.score,
		StartedAt:      now,
		FinishedAt:     &now,
	}
	if prior, ok := sess.Result(step.Name, sess.CurrentIteration); ok {
		result.RetryCount = prior.RetryCount
		if !prior.StartedAt.IsZero() {
			result.StartedAt = prior.StartedAt
		}
	}
	if step.ExpectsJSON() {
		if obj, ok := flow.ExtractStructuredOutput(stepResult); ok {
			result.StructuredOutput = obj
		}
	}

	if err := h.sessions.RecordStepResult(ctx, sess, result); err != nil {
		if errors.Is(err, store.ErrStorage) {
			// Best-effort: a write failure on step results marks the session failed.
			_ = h.sessions.MarkFailed(ctx, sess)
		}
		return failWith(err)
	}
	h.updateOutputs(sess, step)

	decision, err := h.engine.Advance(flowDef, sess)
	if err != nil {
		return h.failDecision(ctx, sess, err)
	}
	return h.finishTransition(ctx, sess, flowDef, decision, "next_step", feedback)
}

// handleAnalyzeStep renders an evaluation prompt for a step's output.
// It never advances the flow and leaves session state unchanged apart
// from the read touch.
func (h *Handlers) handleAnalyzeStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	stepName := mcp.ParseString(req, "step_name", "")
	stepResult := mcp.ParseString(req, "step_result", "")
	analysisType := mcp.ParseString(req, "analysis_type", "")

	if sessionID == "" || stepName == "" || stepResult == "" {
		return toolError(CodeValidationError,
			"session_id, step_name, and step_result are required", nil)
	}
	switch analysisType {
	case "quality", "format", "completeness", "bias", "logic":
	default:
		return toolError(CodeValidationError,
			fmt.Sprintf("analysis_type must be one of quality, format, completeness, bias, logic; got %q", analysisType), nil)
	}

	unlock := h.sessions.Lock(sessionID)
	defer unlock()

	sess, err := h.sessions.Get(ctx, sessionID, true)
	if err != nil {
		return failWith(err)
	}

	flowDef, err := h.snapshots.Current().Flow(sess.FlowType)
	if err != nil {
		return failWith(err)
	}
	if _, ok := flowDef.Step(stepName); !ok {
		return failWith(fmt.Errorf("%w: %s in flow %s", config.ErrStepNotFound, stepName, sess.FlowType))
	}

	rendered, err := h.templates.Get("analyze_"+analysisType, map[string]any{
		"step_name":   stepName,
		"step_result": stepResult,
	})
	if err != nil {
		return failWith(err)
	}

	return marshalResult(&ToolResult{
		ToolName:       "analyze_step",
		SessionID:      sess.ID,
		Step:           stepName,
		PromptTemplate: rendered,
		Instructions:   "Evaluate the step output against the prompt and produce the requested JSON verdict.",
		Context: map[string]any{
			"topic":         sess.Topic,
			"analysis_type": analysisType,
		},
		NextAction: "Run the evaluation, then pass its quality_score back through next_step.quality_feedback.",
		Metadata: map[string]any{
			"flow_type":     sess.FlowType,
			"analysis_type": analysisType,
			"current_step":  sess.CurrentStep,
		},
	})
}

// handleCompleteThinking marks the session completed and renders the
// final report template over the full step history.
func (h *Handlers) handleCompleteThinking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return toolError(CodeValidationError, "session_id is required", nil)
	}
	finalInsights := mcp.ParseString(req, "final_insights", "")

	unlock := h.sessions.Lock(sessionID)
	defer unlock()

	sess, err := h.sessions.Get(ctx, sessionID, false)
	if err != nil {
		return failWith(err)
	}
	if sess.IsTerminal() {
		return toolError(CodeSessionTerminal,
			fmt.Sprintf("session %s is %s", sessionID, sess.Status), nil)
	}

	if err := h.sessions.SetCurrentStep(ctx, sess, models.StepComplete, 0, sess.CompletedStepCount()); err != nil {
		return failWith(err)
	}
	if err := h.sessions.MarkCompleted(ctx, sess); err != nil {
		return failWith(err)
	}

	rendered, err := h.templates.Get("completion_summary", map[string]any{
		"topic":          sess.Topic,
		"step_history":   buildStepHistory(sess),
		"final_insights": finalInsights,
	})
	if err != nil {
		return failWith(err)
	}

	return marshalResult(&ToolResult{
		ToolName:       "complete_thinking",
		SessionID:      sess.ID,
		Step:           models.StepComplete,
		PromptTemplate: rendered,
		Instructions:   "Write the final report from the step history and any closing insights.",
		Context: map[string]any{
			"topic": sess.Topic,
		},
		NextAction: "The session is closed. Present the final report to the user.",
		Metadata: map[string]any{
			"flow_type":      sess.FlowType,
			"status":         string(sess.Status),
			"step_number":    sess.StepNumber,
			"quality_scores": sess.QualityScores,
		},
	})
}

// qualityFeedback is the parsed next_step.quality_feedback object.
type qualityFeedback struct {
	score            *float64
	feedback         string
	improvementAreas []string
}

// parseQualityFeedback validates the optional quality_feedback object.
// Returns a non-nil tool error result when validation fails.
func parseQualityFeedback(raw any) (*qualityFeedback, *mcp.CallToolResult, error) {
	parsed := &qualityFeedback{}
	if raw == nil {
		return parsed, nil, nil
	}
	object, ok := raw.(map[string]any)
	if !ok {
		result, err := toolError(CodeValidationError, "quality_feedback must be an object", nil)
		return parsed, result, err
	}

	if scoreRaw, ok := object["quality_score"]; ok {
		score, ok := scoreRaw.(float64)
		if !ok {
			if n, isInt := scoreRaw.(int); isInt {
				score, ok = float64(n), true
			}
		}
		if !ok || score < 0 || score > 1 {
			result, err := toolError(CodeValidationError,
				"quality_feedback.quality_score must be a number in [0,1]",
				map[string]any{"quality_score": scoreRaw})
			return parsed, result, err
		}
		parsed.score = &score
	}
	if fb, ok := object["feedback"].(string); ok {
		parsed.feedback = fb
	}
	if areas, ok := object["improvement_areas"].([]any); ok {
		for _, a := range areas {
			if s, ok := a.(string); ok {
				parsed.improvementAreas = append(parsed.improvementAreas, s)
			}
		}
	}
	return parsed, nil, nil
}

// updateOutputs refreshes the session's step_outputs entry for the step
// just recorded. For fan-out steps the output is the ordered array of
// per-iteration outputs.
func (h *Handlers) updateOutputs(sess *models.Session, step *config.FlowStep) {
	if step.ForEach == nil {
		if result, ok := sess.Result(step.Name, 0); ok && result.StructuredOutput != nil {
			h.sessions.SetOutput(sess, step.Name, result.StructuredOutput)
		}
		return
	}

	results := append([]models.StepResult(nil), sess.StepResults[step.Name]...)
	sort.Slice(results, func(i, j int) bool {
		return results[i].IterationIndex < results[j].IterationIndex
	})
	outputs := make([]any, 0, len(results))
	for _, r := range results {
		outputs = append(outputs, r.StructuredOutput)
	}
	h.sessions.SetOutput(sess, step.Name, outputs)
}

// failDecision handles engine errors: a for_each resolution failure
// marks the consumer step failed and holds the cursor; everything else
// maps straight to the error envelope.
func (h *Handlers) failDecision(ctx context.Context, sess *models.Session, err error) (*mcp.CallToolResult, error) {
	var feErr *flow.ForEachError
	if errors.As(err, &feErr) {
		now := time.Now().UTC()
		_ = h.sessions.RecordStepResult(ctx, sess, models.StepResult{
			StepName:   feErr.Step,
			Status:     models.StepStatusFailed,
			StartedAt:  now,
			FinishedAt: &now,
		})
	}
	return failWith(err)
}

// finishTransition applies a flow decision to the session and renders
// the response: skipped steps are recorded, the cursor moves, and the
// next prompt (step, retry, or completion) is rendered.
func (h *Handlers) finishTransition(ctx context.Context, sess *models.Session, flowDef *config.FlowDefinition, decision *flow.Decision, toolName string, feedback *qualityFeedback) (*mcp.CallToolResult, error) {
	now := time.Now().UTC()
	for _, name := range decision.Skipped {
		if _, exists := sess.Result(name, 0); exists {
			continue
		}
		if err := h.sessions.RecordStepResult(ctx, sess, models.StepResult{
			StepName:   name,
			Status:     models.StepStatusSkipped,
			StartedAt:  now,
			FinishedAt: &now,
		}); err != nil {
			return failWith(err)
		}
	}

	switch decision.Kind {
	case flow.DecisionRetry:
		return h.finishRetry(ctx, sess, decision, toolName, feedback)
	case flow.DecisionComplete:
		return h.finishComplete(ctx, sess, toolName)
	default:
		return h.finishNext(ctx, sess, flowDef, decision, toolName)
	}
}

func (h *Handlers) finishNext(ctx context.Context, sess *models.Session, flowDef *config.FlowDefinition, decision *flow.Decision, toolName string) (*mcp.CallToolResult, error) {
	step := decision.NextStep

	rendered, usedFallback, err := h.renderStep(sess, step, decision.Item, step.ForEach != nil, decision.Iteration)
	if err != nil {
		return failWith(err)
	}
	if usedFallback {
		// Template resolution failed: the step is recorded failed and the
		// cursor holds so the caller can retry after fixing the config.
		now := time.Now().UTC()
		_ = h.sessions.RecordStepResult(ctx, sess, models.StepResult{
			StepName:       step.Name,
			IterationIndex: decision.Iteration,
			Status:         models.StepStatusFailed,
			StartedAt:      now,
			FinishedAt:     &now,
		})
		return marshalResult(h.buildStepResponse(sess, flowDef, step, decision, toolName, rendered, map[string]any{
			"template_fallback": true,
			"missing_template":  step.TemplateName,
		}))
	}

	// Seed a pending result so the step appears in history from the
	// moment it becomes current.
	now := time.Now().UTC()
	if _, exists := sess.Result(step.Name, decision.Iteration); !exists {
		if err := h.sessions.RecordStepResult(ctx, sess, models.StepResult{
			StepName:       step.Name,
			IterationIndex: decision.Iteration,
			Status:         models.StepStatusPending,
			StartedAt:      now,
		}); err != nil {
			return failWith(err)
		}
	}
	if err := h.sessions.SetCurrentStep(ctx, sess, step.Name, decision.Iteration, sess.CompletedStepCount()); err != nil {
		return failWith(err)
	}

	return marshalResult(h.buildStepResponse(sess, flowDef, step, decision, toolName, rendered, nil))
}

func (h *Handlers) finishRetry(ctx context.Context, sess *models.Session, decision *flow.Decision, toolName string, feedback *qualityFeedback) (*mcp.CallToolResult, error) {
	step := decision.NextStep

	// Persist the bumped retry count so the next attempt sees it.
	result, _ := sess.Result(step.Name, decision.Iteration)
	result.RetryCount = decision.RetryCount
	if err := h.sessions.RecordStepResult(ctx, sess, result); err != nil {
		return failWith(err)
	}
	if err := h.sessions.SetCurrentStep(ctx, sess, step.Name, decision.Iteration, sess.CompletedStepCount()); err != nil {
		return failWith(err)
	}

	item, hasItem := h.retryItem(sess, step, decision.Iteration)
	rendered, _, err := h.renderStep(sess, step, item, hasItem, decision.Iteration)
	if err != nil {
		return failWith(err)
	}

	metadata := map[string]any{
		"flow_type":         sess.FlowType,
		"step_number":       sess.StepNumber,
		"retry_count":       decision.RetryCount,
		"retries_remaining": flow.RetryMax - decision.RetryCount,
		"quality_threshold": step.QualityThreshold,
	}
	if feedback != nil && feedback.score != nil {
		metadata["quality_score"] = *feedback.score
	}
	responseContext := h.responseContext(sess, item, hasItem, decision.Iteration)
	if feedback != nil && feedback.feedback != "" {
		responseContext["previous_feedback"] = feedback.feedback
	}
	if feedback != nil && len(feedback.improvementAreas) > 0 {
		responseContext["improvement_areas"] = feedback.improvementAreas
	}

	return marshalResult(&ToolResult{
		ToolName:       toolName,
		SessionID:      sess.ID,
		Step:           step.Name,
		PromptTemplate: rendered,
		Instructions:   step.Instructions,
		Context:        responseContext,
		NextAction: fmt.Sprintf("The result scored below the %.2f quality gate. Redo this step, "+
			"address the feedback, and resubmit via next_step.", step.QualityThreshold),
		Metadata: metadata,
	})
}

func (h *Handlers) finishComplete(ctx context.Context, sess *models.Session, toolName string) (*mcp.CallToolResult, error) {
	if err := h.sessions.SetCurrentStep(ctx, sess, models.StepComplete, 0, sess.CompletedStepCount()); err != nil {
		return failWith(err)
	}

	rendered, err := h.templates.Get("completion_summary", map[string]any{
		"topic":          sess.Topic,
		"step_history":   buildStepHistory(sess),
		"final_insights": "",
	})
	if err != nil {
		return failWith(err)
	}

	return marshalResult(&ToolResult{
		ToolName:       toolName,
		SessionID:      sess.ID,
		Step:           models.StepComplete,
		PromptTemplate: rendered,
		Instructions:   "All flow steps are done.",
		Context: map[string]any{
			"topic": sess.Topic,
		},
		NextAction: "Call complete_thinking to close the session and produce the final report.",
		Metadata: map[string]any{
			"flow_type":   sess.FlowType,
			"step_number": sess.StepNumber,
		},
	})
}

// renderStep renders a step's template, falling back to the generic
// template when the configured one is missing.
func (h *Handlers) renderStep(sess *models.Session, step *config.FlowStep, item any, hasItem bool, iteration int) (string, bool, error) {
	params := make(map[string]any, len(sess.Context)+3)
	for k, v := range sess.Context {
		params[k] = v
	}
	params["topic"] = sess.Topic
	if hasItem {
		params["item"] = item
		params["item_index"] = iteration
	}

	rendered, err := h.templates.Get(step.TemplateName, params)
	if err == nil {
		return rendered, false, nil
	}
	if !errors.Is(err, config.ErrTemplateNotFound) {
		return "", false, err
	}

	fallback, fallbackErr := h.templates.Get("fallback_generic", map[string]any{
		"template_name": step.TemplateName,
		"topic":         sess.Topic,
	})
	if fallbackErr != nil {
		return "", false, err
	}
	return fallback, true, nil
}

// retryItem recovers the current fan-out element for re-rendering a
// retried for_each iteration.
func (h *Handlers) retryItem(sess *models.Session, step *config.FlowStep, iteration int) (any, bool) {
	if step.ForEach == nil {
		return nil, false
	}
	items, err := flow.ResolveForEach(sess, step)
	if err != nil || iteration >= len(items) {
		return nil, false
	}
	return items[iteration], true
}

func (h *Handlers) responseContext(sess *models.Session, item any, hasItem bool, iteration int) map[string]any {
	out := make(map[string]any, len(sess.Context)+2)
	for k, v := range sess.Context {
		out[k] = v
	}
	if hasItem {
		out["item"] = item
		out["item_index"] = iteration
	}
	return out
}

func (h *Handlers) buildStepResponse(sess *models.Session, flowDef *config.FlowDefinition, step *config.FlowStep, decision *flow.Decision, toolName, rendered string, extraMetadata map[string]any) *ToolResult {
	metadata := map[string]any{
		"flow_type":         sess.FlowType,
		"flow_name":         flowDef.Name,
		"step_number":       sess.StepNumber,
		"total_steps":       len(flowDef.Steps),
		"quality_threshold": step.QualityThreshold,
		"required":          step.Required,
	}
	if step.ExpectsJSON() {
		metadata["expected_output"] = string(config.OutputJSON)
	}
	if step.ForEach != nil {
		metadata["for_each"] = step.ForEach.String()
		metadata["iteration_index"] = decision.Iteration
		metadata["parallel_hint"] = step.Parallel
	}
	if len(decision.Skipped) > 0 {
		metadata["skipped_steps"] = decision.Skipped
	}
	for k, v := range extraMetadata {
		metadata[k] = v
	}

	return &ToolResult{
		ToolName:       toolName,
		SessionID:      sess.ID,
		Step:           step.Name,
		PromptTemplate: rendered,
		Instructions:   step.Instructions,
		Context:        h.responseContext(sess, decision.Item, step.ForEach != nil, decision.Iteration),
		NextAction:     "Execute the prompt, then submit your output via next_step.",
		Metadata:       metadata,
	}
}

// buildStepHistory formats the per-step execution record for the
// completion report.
func buildStepHistory(sess *models.Session) string {
	names := make([]string, 0, len(sess.StepResults))
	for name := range sess.StepResults {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		results := append([]models.StepResult(nil), sess.StepResults[name]...)
		sort.Slice(results, func(i, j int) bool {
			return results[i].IterationIndex < results[j].IterationIndex
		})
		for _, r := range results {
			b.WriteString("- ")
			b.WriteString(name)
			if len(results) > 1 {
				fmt.Fprintf(&b, " [%d]", r.IterationIndex)
			}
			fmt.Fprintf(&b, ": %s", r.Status)
			if r.QualityScore != nil {
				fmt.Fprintf(&b, " (score %.2f)", *r.QualityScore)
			}
			if r.RetryCount > 0 {
				fmt.Fprintf(&b, " (retries %d)", r.RetryCount)
			}
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return "(no steps executed)"
	}
	return b.String()
}
