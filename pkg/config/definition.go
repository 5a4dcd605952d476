package config

import (
	"github.com/deepthink-mcp/deepthink/pkg/expr"
)

// FlowDefinition is the compiled, immutable form of a flow. Built once
// at load time and shared read-only by every session that runs it.
type FlowDefinition struct {
	FlowType    string
	Name        string
	Description string
	Steps       []*FlowStep

	index map[string]int
}

// FlowStep is the compiled form of one step: conditionals are parsed
// expressions and for_each references are resolved (step, property)
// pairs, so execution never sees raw strings.
type FlowStep struct {
	Name             string
	TemplateName     string
	Required         bool
	QualityThreshold float64
	Conditional      *expr.Expr
	DependsOn        []string
	ForEach          *OutputRef
	Parallel         bool
	RetryOnFailure   bool
	Final            bool
	Instructions     string
	Metadata         map[string]any
}

// ExpectsJSON reports whether the step's reply carries a JSON output
// contract, declared via metadata expected_output.
func (s *FlowStep) ExpectsJSON() bool {
	v, ok := s.Metadata["expected_output"].(string)
	return ok && ExpectedOutput(v) == OutputJSON
}

// newFlowDefinition builds the step index for O(1) lookups.
func newFlowDefinition(flowType, name, description string, steps []*FlowStep) *FlowDefinition {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.Name] = i
	}
	return &FlowDefinition{
		FlowType:    flowType,
		Name:        name,
		Description: description,
		Steps:       steps,
		index:       index,
	}
}

// Step returns the named step, if declared.
func (f *FlowDefinition) Step(name string) (*FlowStep, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.Steps[i], true
}

// Index returns the position of the named step within the flow.
func (f *FlowDefinition) Index(name string) (int, bool) {
	i, ok := f.index[name]
	return i, ok
}

// First returns the flow's first step. Validation guarantees at least one.
func (f *FlowDefinition) First() *FlowStep {
	return f.Steps[0]
}

// Template is the compiled, immutable form of a prompt template.
type Template struct {
	Name           string
	Description    string
	RequiredParams []string
	OptionalParams []string
	ExpectedOutput ExpectedOutput
	Body           string
	Source         string // "builtin" or the file it was loaded from
}

// IsOptional reports whether the named parameter is declared optional.
func (t *Template) IsOptional(name string) bool {
	for _, p := range t.OptionalParams {
		if p == name {
			return true
		}
	}
	return false
}
