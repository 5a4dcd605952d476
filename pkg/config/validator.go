package config

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches {name} substitution markers in template
// bodies. Braces not wrapping a bare identifier (JSON examples, prose)
// are not markers.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// validate performs comprehensive validation over a compiled snapshot
// (fail-fast: stops at the first error).
func validate(s *Snapshot) error {
	if err := validateSettings(&s.Settings, s.Flows); err != nil {
		return fmt.Errorf("server settings validation failed: %w", err)
	}
	for name, tpl := range s.Templates {
		if err := validateTemplate(name, tpl); err != nil {
			return fmt.Errorf("template validation failed: %w", err)
		}
	}
	for flowType, flow := range s.Flows {
		if err := validateFlow(flowType, flow, s.Templates); err != nil {
			return fmt.Errorf("flow validation failed: %w", err)
		}
	}
	return nil
}

func validateSettings(settings *ServerSettings, flows map[string]*FlowDefinition) error {
	if settings.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", settings.MaxSessions)
	}
	if settings.SessionTimeoutMinutes < 1 {
		return fmt.Errorf("session_timeout_minutes must be at least 1, got %d", settings.SessionTimeoutMinutes)
	}
	if settings.TemplateCacheSize < 1 {
		return fmt.Errorf("template_cache_size must be at least 1, got %d", settings.TemplateCacheSize)
	}
	if settings.SessionCacheSize < 1 {
		return fmt.Errorf("session_cache_size must be at least 1, got %d", settings.SessionCacheSize)
	}
	if settings.QualityGateDefaultThreshold < 0 || settings.QualityGateDefaultThreshold > 1 {
		return fmt.Errorf("quality_gate_default_threshold must be in [0,1], got %v", settings.QualityGateDefaultThreshold)
	}
	if settings.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if settings.SweepIntervalSeconds < 1 {
		return fmt.Errorf("sweep_interval_seconds must be at least 1, got %d", settings.SweepIntervalSeconds)
	}
	if _, ok := flows[settings.DefaultFlow]; !ok {
		return fmt.Errorf("%w: default_flow %q", ErrFlowNotFound, settings.DefaultFlow)
	}
	return nil
}

// validateTemplate enforces the placeholder contract: every marker in
// the body is a declared parameter, and every required parameter appears
// in the body.
func validateTemplate(name string, tpl *Template) error {
	declared := make(map[string]bool, len(tpl.RequiredParams)+len(tpl.OptionalParams))
	for _, p := range tpl.RequiredParams {
		declared[p] = true
	}
	for _, p := range tpl.OptionalParams {
		if declared[p] {
			return NewValidationError("template", name, "optional_params",
				fmt.Errorf("%w: %q declared both required and optional", ErrInvalidValue, p))
		}
		declared[p] = true
	}

	placeholders := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(tpl.Body, -1) {
		placeholders[m[1]] = true
	}

	for marker := range placeholders {
		if !declared[marker] {
			return NewValidationError("template", name, "body",
				fmt.Errorf("%w: placeholder {%s} is not a declared parameter", ErrInvalidReference, marker))
		}
	}
	for _, p := range tpl.RequiredParams {
		if !placeholders[p] {
			return NewValidationError("template", name, "required_params",
				fmt.Errorf("%w: required parameter %q never appears in the body", ErrInvalidReference, p))
		}
	}
	return nil
}

func validateFlow(flowType string, flow *FlowDefinition, templates map[string]*Template) error {
	if len(flow.Steps) == 0 {
		return NewValidationError("flow", flowType, "steps",
			fmt.Errorf("%w: flow has no steps", ErrInvalidValue))
	}

	seen := make(map[string]int, len(flow.Steps))
	for i, step := range flow.Steps {
		if prev, dup := seen[step.Name]; dup {
			return NewValidationError("flow", flowType, "steps",
				fmt.Errorf("%w: step %q declared at positions %d and %d", ErrInvalidValue, step.Name, prev, i))
		}
		seen[step.Name] = i

		if err := validateStep(flowType, flow, i, step, templates); err != nil {
			return err
		}
	}

	if err := checkDependencyCycles(flowType, flow); err != nil {
		return err
	}

	// A final step must be the last reachable step: nothing may follow it.
	for i, step := range flow.Steps {
		if step.Final && i != len(flow.Steps)-1 {
			return NewValidationError("flow", flowType, "steps",
				fmt.Errorf("%w: step %q is final but %d step(s) follow it", ErrInvalidValue, step.Name, len(flow.Steps)-1-i))
		}
	}

	return nil
}

func validateStep(flowType string, flow *FlowDefinition, pos int, step *FlowStep, templates map[string]*Template) error {
	id := flowType + "." + step.Name

	if step.TemplateName == "" {
		return NewValidationError("step", id, "template_name",
			fmt.Errorf("%w: template_name", ErrInvalidValue))
	}
	if _, ok := templates[step.TemplateName]; !ok {
		return NewValidationError("step", id, "template_name",
			fmt.Errorf("%w: %q", ErrTemplateNotFound, step.TemplateName))
	}
	if step.QualityThreshold < 0 || step.QualityThreshold > 1 {
		return NewValidationError("step", id, "quality_threshold",
			fmt.Errorf("%w: must be in [0,1], got %v", ErrInvalidValue, step.QualityThreshold))
	}

	for _, dep := range step.DependsOn {
		if dep == step.Name {
			return NewValidationError("step", id, "depends_on",
				fmt.Errorf("%w: step depends on itself", ErrInvalidReference))
		}
		if _, ok := flow.Index(dep); !ok {
			return NewValidationError("step", id, "depends_on",
				fmt.Errorf("%w: %q", ErrStepNotFound, dep))
		}
	}

	if step.ForEach != nil {
		producerIdx, ok := flow.Index(step.ForEach.StepName)
		if !ok {
			return NewValidationError("step", id, "for_each",
				fmt.Errorf("%w: %q", ErrStepNotFound, step.ForEach.StepName))
		}
		// The producer must run before the consumer can fan out over it.
		if producerIdx >= pos {
			return NewValidationError("step", id, "for_each",
				fmt.Errorf("%w: producer step %q is not declared earlier", ErrInvalidReference, step.ForEach.StepName))
		}
	}

	if step.Conditional != nil {
		for _, ident := range step.Conditional.Identifiers() {
			if name, ok := strings.CutSuffix(ident, ".quality_score"); ok {
				if _, exists := flow.Index(name); !exists {
					return NewValidationError("step", id, "conditional",
						fmt.Errorf("%w: %q", ErrStepNotFound, name))
				}
			} else if name, ok := strings.CutSuffix(ident, ".status"); ok {
				if _, exists := flow.Index(name); !exists {
					return NewValidationError("step", id, "conditional",
						fmt.Errorf("%w: %q", ErrStepNotFound, name))
				}
			}
		}
	}

	return nil
}

// checkDependencyCycles rejects flows whose depends_on edges form a
// cycle, via depth-first search with an on-stack set.
func checkDependencyCycles(flowType string, flow *FlowDefinition) error {
	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(flow.Steps))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case onStack:
			return NewValidationError("flow", flowType, "depends_on",
				fmt.Errorf("%w involving step %q", ErrDependencyCycle, name))
		case done:
			return nil
		}
		state[name] = onStack
		step, _ := flow.Step(name)
		for _, dep := range step.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, step := range flow.Steps {
		if err := visit(step.Name); err != nil {
			return err
		}
	}
	return nil
}
