package config

import (
	"sync"
)

// BuiltinConfig holds all built-in configuration data: the default
// thinking flows and their prompt templates. User YAML overrides or
// extends these per key.
type BuiltinConfig struct {
	Flows     map[string]FlowConfig
	Templates map[string]TemplateConfig
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration
// (thread-safe, lazy-initialized).
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Flows:     initBuiltinFlows(),
		Templates: initBuiltinTemplates(),
	}
}

func floatPtr(f float64) *float64 { return &f }

func initBuiltinFlows() map[string]FlowConfig {
	return map[string]FlowConfig{
		"deep_thinking": {
			Name:        "Deep Thinking",
			Description: "Full decompose-evidence-evaluate-reflect workflow",
			Steps: []StepConfig{
				{
					Name:           "decompose_problem",
					TemplateName:   "decompose_problem",
					Required:       true,
					RetryOnFailure: true,
					Instructions:   "Break the topic into focused sub-questions and return them as JSON.",
					Metadata:       map[string]any{"expected_output": "json"},
				},
				{
					Name:         "collect_evidence",
					TemplateName: "collect_evidence",
					Required:     true,
					DependsOn:    []string{"decompose_problem"},
					ForEach:      "decompose_problem.sub_questions",
					Parallel:     true,
					Instructions: "Search for evidence answering the current sub-question. Cite sources.",
				},
				{
					Name:         "multi_perspective",
					TemplateName: "multi_perspective_debate",
					Conditional:  "complexity != 'simple'",
					DependsOn:    []string{"collect_evidence"},
					Instructions: "Argue the question from at least three distinct perspectives.",
				},
				{
					Name:             "critical_evaluation",
					TemplateName:     "critical_evaluation",
					Required:         true,
					QualityThreshold: floatPtr(0.8),
					RetryOnFailure:   true,
					Instructions:     "Evaluate the evidence and arguments gathered so far for rigor and gaps.",
				},
				{
					Name:         "reflection",
					TemplateName: "reflection",
					Final:        true,
					Instructions: "Reflect on the whole reasoning chain and state your conclusions.",
				},
			},
		},
		"quick_analysis": {
			Name:        "Quick Analysis",
			Description: "Two-step analyze-and-conclude workflow for simple topics",
			Steps: []StepConfig{
				{
					Name:         "analyze",
					TemplateName: "quick_analysis",
					Required:     true,
					Instructions: "Analyze the topic directly, noting the strongest considerations.",
				},
				{
					Name:         "conclude",
					TemplateName: "quick_conclusion",
					Final:        true,
					Instructions: "State a concise, actionable conclusion.",
				},
			},
		},
	}
}

func initBuiltinTemplates() map[string]TemplateConfig {
	return map[string]TemplateConfig{
		"decompose_problem": {
			Description:    "Breaks a topic into independent sub-questions",
			RequiredParams: []string{"topic", "complexity"},
			OptionalParams: []string{"focus"},
			ExpectedOutput: "json",
			Body: `You are decomposing a problem for systematic deep analysis.

Topic: {topic}
Complexity: {complexity}
Focus: {focus}

Break this topic into 3-7 independent sub-questions. Each sub-question
should be answerable on its own, and together they should cover the
topic completely without overlap.

Respond with ONLY a JSON object of this exact shape:
{"sub_questions": [{"id": "1", "question": "...", "rationale": "..."}]}`,
		},
		"collect_evidence": {
			Description:    "Gathers evidence for one sub-question",
			RequiredParams: []string{"topic", "item"},
			OptionalParams: []string{"item_index"},
			Body: `You are collecting evidence for one sub-question of a larger analysis.

Overall topic: {topic}
Current sub-question: {item}

Use web search where useful. Gather concrete evidence: facts, data,
expert positions, counter-examples. Rate each source's credibility
(high/medium/low) and note conflicts between sources explicitly.`,
		},
		"multi_perspective_debate": {
			Description:    "Argues the topic from several perspectives",
			RequiredParams: []string{"topic"},
			Body: `Stage a structured debate about the topic below.

Topic: {topic}

Take at least three genuinely different perspectives (e.g. economic,
technical, human). For each: state its strongest argument, its weakest
point, and what evidence would change its mind. Finish with the cruxes:
the disagreements that actually matter.`,
		},
		"critical_evaluation": {
			Description:    "Evaluates the analysis so far for rigor and gaps",
			RequiredParams: []string{"topic"},
			Body: `Critically evaluate the analysis developed so far on this topic.

Topic: {topic}

Check for: unsupported claims, missing evidence, logical fallacies,
one-sided framing, and questions raised but never answered. Be specific:
quote the weak spot and say what would fix it.`,
		},
		"reflection": {
			Description:    "Final reflection over the whole reasoning chain",
			RequiredParams: []string{"topic"},
			Body: `Reflect on the complete reasoning chain for this topic.

Topic: {topic}

Summarize: what was asked, what the evidence showed, where perspectives
disagreed, and what conclusion survives the criticism. State remaining
uncertainty honestly. End with the answer you would defend.`,
		},
		"quick_analysis": {
			Description:    "Single-pass analysis for simple topics",
			RequiredParams: []string{"topic", "complexity"},
			OptionalParams: []string{"focus"},
			Body: `Analyze the following topic directly and thoroughly.

Topic: {topic}
Complexity: {complexity}
Focus: {focus}

Identify the key considerations, the evidence for each, and the
trade-offs between plausible answers.`,
		},
		"quick_conclusion": {
			Description:    "Concluding step of the quick flow",
			RequiredParams: []string{"topic"},
			Body: `Based on your analysis of the topic below, state your conclusion.

Topic: {topic}

Give a direct answer, the two or three strongest reasons for it, and
the main caveat a skeptic would raise.`,
		},
		"completion_summary": {
			Description:    "Final report rendered by complete_thinking",
			RequiredParams: []string{"topic", "step_history"},
			OptionalParams: []string{"final_insights"},
			Body: `The deep-thinking session on this topic is complete.

Topic: {topic}

Step history:
{step_history}

Final insights provided by the caller:
{final_insights}

Produce the final report: the conclusion, the reasoning chain that
supports it, dissenting evidence that was considered, and open
questions worth a follow-up session.`,
		},
		"analyze_quality": {
			Description:    "Scores a step result for overall quality",
			RequiredParams: []string{"step_name", "step_result"},
			Body: `Evaluate the quality of the following step output.

Step: {step_name}
Output:
{step_result}

Score it from 0.0 to 1.0 for depth, accuracy, and completeness.
Respond with JSON: {"quality_score": <float>, "feedback": "...",
"improvement_areas": ["..."]}`,
		},
		"analyze_format": {
			Description:    "Checks a step result against its format contract",
			RequiredParams: []string{"step_name", "step_result"},
			Body: `Check whether the following step output matches its required format.

Step: {step_name}
Output:
{step_result}

If the step promised JSON, verify it parses and has the required keys.
Respond with JSON: {"quality_score": <float>, "feedback": "...",
"improvement_areas": ["..."]}`,
		},
		"analyze_completeness": {
			Description:    "Checks a step result for coverage gaps",
			RequiredParams: []string{"step_name", "step_result"},
			Body: `Check the following step output for completeness.

Step: {step_name}
Output:
{step_result}

List every aspect of the task the output ignored or only touched.
Respond with JSON: {"quality_score": <float>, "feedback": "...",
"improvement_areas": ["..."]}`,
		},
		"analyze_bias": {
			Description:    "Checks a step result for one-sided framing",
			RequiredParams: []string{"step_name", "step_result"},
			Body: `Examine the following step output for bias.

Step: {step_name}
Output:
{step_result}

Look for one-sided sourcing, loaded language, and conclusions stated
before evidence. Respond with JSON: {"quality_score": <float>,
"feedback": "...", "improvement_areas": ["..."]}`,
		},
		"analyze_logic": {
			Description:    "Checks a step result for logical soundness",
			RequiredParams: []string{"step_name", "step_result"},
			Body: `Examine the reasoning in the following step output.

Step: {step_name}
Output:
{step_result}

Identify invalid inferences, circular arguments, and conclusions that
don't follow from the stated evidence. Respond with JSON:
{"quality_score": <float>, "feedback": "...", "improvement_areas": ["..."]}`,
		},
		"fallback_generic": {
			Description:    "Fallback rendered when a step's template is missing",
			RequiredParams: []string{"template_name", "topic"},
			Body: `The prompt template "{template_name}" could not be resolved.

Continue the thinking workflow on the topic below using your judgment
for this step, then report the missing template to the operator.

Topic: {topic}`,
		},
	}
}
