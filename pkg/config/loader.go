package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/deepthink-mcp/deepthink/pkg/expr"
)

// Initialize loads, validates, and compiles the configuration into an
// immutable snapshot. This is the primary entry point for configuration
// loading.
//
// Steps performed:
//  1. Load deepthink.yaml from path ("" means built-in only)
//  2. Merge built-in flows/templates with user-defined ones
//  3. Apply server setting defaults
//  4. Compile steps (parse conditionals and for_each references)
//  5. Validate all cross-references and flow structure
func Initialize(path string) (*Snapshot, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	snapshot, err := load(path)
	if err != nil {
		return nil, err
	}

	if err := validate(snapshot); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"flows", len(snapshot.Flows),
		"templates", len(snapshot.Templates),
		"default_flow", snapshot.Settings.DefaultFlow)

	return snapshot, nil
}

func load(path string) (*Snapshot, error) {
	var fileCfg FileConfig
	baseDir := "."
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, NewLoadError(path, ErrConfigNotFound)
			}
			return nil, NewLoadError(path, err)
		}
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %w", ErrInvalidYAML, err))
		}
		baseDir = filepath.Dir(path)
	}

	builtin := GetBuiltinConfig()
	flows := mergeFlows(builtin.Flows, fileCfg.ThinkingFlows)
	templates := mergeTemplates(builtin.Templates, fileCfg.Templates)

	settings := DefaultSettings()
	if fileCfg.Server != nil {
		if err := mergo.Merge(&settings, *fileCfg.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server settings: %w", err)
		}
	}

	compiledTemplates, err := compileTemplates(templates, baseDir)
	if err != nil {
		return nil, err
	}

	compiledFlows, err := compileFlows(flows, settings.QualityGateDefaultThreshold)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Settings:  settings,
		Flows:     compiledFlows,
		Templates: compiledTemplates,
		path:      path,
	}, nil
}

func compileTemplates(configs map[string]TemplateConfig, baseDir string) (map[string]*Template, error) {
	out := make(map[string]*Template, len(configs))
	for name, cfg := range configs {
		if !ExpectedOutput(cfg.ExpectedOutput).IsValid() {
			return nil, NewValidationError("template", name, "expected_output",
				fmt.Errorf("%w: %q", ErrInvalidValue, cfg.ExpectedOutput))
		}

		body := cfg.Body
		source := "builtin"
		if cfg.File != "" {
			if cfg.Body != "" {
				return nil, NewValidationError("template", name, "body",
					fmt.Errorf("%w: body and file are mutually exclusive", ErrInvalidValue))
			}
			source = filepath.Join(baseDir, cfg.File)
			data, err := os.ReadFile(source)
			if err != nil {
				return nil, NewLoadError(source, err)
			}
			body = string(data)
		}
		if body == "" {
			return nil, NewValidationError("template", name, "body",
				fmt.Errorf("%w: template body is empty", ErrInvalidValue))
		}

		expected := ExpectedOutput(cfg.ExpectedOutput)
		if expected == "" {
			expected = OutputText
		}

		out[name] = &Template{
			Name:           name,
			Description:    cfg.Description,
			RequiredParams: append([]string(nil), cfg.RequiredParams...),
			OptionalParams: append([]string(nil), cfg.OptionalParams...),
			ExpectedOutput: expected,
			Body:           body,
			Source:         source,
		}
	}
	return out, nil
}

func compileFlows(configs map[string]FlowConfig, defaultThreshold float64) (map[string]*FlowDefinition, error) {
	out := make(map[string]*FlowDefinition, len(configs))
	for flowType, cfg := range configs {
		steps := make([]*FlowStep, 0, len(cfg.Steps))
		for _, sc := range cfg.Steps {
			step, err := compileStep(flowType, sc, defaultThreshold)
			if err != nil {
				return nil, err
			}
			steps = append(steps, step)
		}
		out[flowType] = newFlowDefinition(flowType, cfg.Name, cfg.Description, steps)
	}
	return out, nil
}

func compileStep(flowType string, sc StepConfig, defaultThreshold float64) (*FlowStep, error) {
	if sc.Name == "" {
		return nil, NewValidationError("flow", flowType, "steps",
			fmt.Errorf("%w: step name", ErrInvalidValue))
	}

	threshold := defaultThreshold
	if sc.QualityThreshold != nil {
		threshold = *sc.QualityThreshold
	}

	step := &FlowStep{
		Name:             sc.Name,
		TemplateName:     sc.TemplateName,
		Required:         sc.Required,
		QualityThreshold: threshold,
		DependsOn:        append([]string(nil), sc.DependsOn...),
		Parallel:         sc.Parallel,
		RetryOnFailure:   sc.RetryOnFailure,
		Final:            sc.Final,
		Instructions:     sc.Instructions,
		Metadata:         sc.Metadata,
	}

	if sc.Conditional != "" {
		compiled, err := expr.Parse(sc.Conditional)
		if err != nil {
			return nil, NewValidationError("step", flowType+"."+sc.Name, "conditional", err)
		}
		step.Conditional = compiled
	}

	if sc.ForEach != "" {
		ref, err := ParseOutputRef(sc.ForEach)
		if err != nil {
			return nil, NewValidationError("step", flowType+"."+sc.Name, "for_each", err)
		}
		step.ForEach = &ref
	}

	return step, nil
}
