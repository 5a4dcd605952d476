package config

// FileConfig represents the complete deepthink.yaml file structure.
// Unknown fields are tolerated for forward compatibility.
type FileConfig struct {
	Server        *ServerSettings           `yaml:"server"`
	ThinkingFlows map[string]FlowConfig     `yaml:"thinking_flows"`
	Templates     map[string]TemplateConfig `yaml:"templates"`
}

// ServerSettings groups server-wide runtime settings.
type ServerSettings struct {
	// Maximum number of concurrently tracked sessions
	MaxSessions int `yaml:"max_sessions"`

	// Minutes of inactivity before an active session expires
	SessionTimeoutMinutes int `yaml:"session_timeout_minutes"`

	// Bounded size of the rendered-template cache
	TemplateCacheSize int `yaml:"template_cache_size"`

	// Bounded size of the hot session cache
	SessionCacheSize int `yaml:"session_cache_size"`

	// Flow used by start_thinking when flow_type is omitted
	DefaultFlow string `yaml:"default_flow"`

	// Quality gate threshold applied to steps that don't declare one
	QualityGateDefaultThreshold float64 `yaml:"quality_gate_default_threshold"`

	// Embedded database file path, or ":memory:"
	DatabasePath string `yaml:"database_path"`

	// Seconds between expiry sweep runs
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// FlowConfig defines one declarative thinking flow as written in YAML.
type FlowConfig struct {
	// Human-readable flow name
	Name string `yaml:"name"`

	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Steps to execute, in declaration order (required, min 1)
	Steps []StepConfig `yaml:"steps"`
}

// StepConfig defines a single step in a flow as written in YAML.
type StepConfig struct {
	// Step name, unique within the flow (required)
	Name string `yaml:"name"`

	// Template rendered when this step becomes current (required)
	TemplateName string `yaml:"template_name"`

	// Reported to the host in step metadata; the engine does not act on
	// it (every step advances the same way once retries are exhausted)
	Required bool `yaml:"required,omitempty"`

	// Quality gate threshold in [0,1]; nil means the server default
	QualityThreshold *float64 `yaml:"quality_threshold,omitempty"`

	// Boolean expression; when false the step is skipped
	Conditional string `yaml:"conditional,omitempty"`

	// Steps that must be completed before this one runs
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Fan-out reference of the form "<step_name>.<property>"
	ForEach string `yaml:"for_each,omitempty"`

	// Hint that for_each iterations are independent. The engine runs
	// strictly sequentially under the MCP protocol; the hint is kept
	// for when the surrounding system later batches.
	Parallel bool `yaml:"parallel,omitempty"`

	// Retry the step (up to RetryMax) when its score misses the gate
	RetryOnFailure bool `yaml:"retry_on_failure,omitempty"`

	// Terminates the flow after this step completes
	Final bool `yaml:"final,omitempty"`

	// Extra instructions surfaced to the host alongside the template
	Instructions string `yaml:"instructions,omitempty"`

	// Free-form step metadata (e.g. expected_output: json)
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// TemplateConfig defines a prompt template as written in YAML. The body
// is either inline or loaded from a file relative to the config file.
type TemplateConfig struct {
	Description    string   `yaml:"description,omitempty"`
	RequiredParams []string `yaml:"required_params,omitempty"`
	OptionalParams []string `yaml:"optional_params,omitempty"`
	ExpectedOutput string   `yaml:"expected_output,omitempty"` // "text" (default) or "json"
	Body           string   `yaml:"body,omitempty"`
	File           string   `yaml:"file,omitempty"`
}

// ExpectedOutput declares how the host LLM's reply for a step is parsed.
type ExpectedOutput string

const (
	// OutputText leaves the reply as opaque text
	OutputText ExpectedOutput = "text"
	// OutputJSON extracts a structured JSON object from the reply
	OutputJSON ExpectedOutput = "json"
)

// IsValid checks if the expected output kind is valid (empty means text).
func (o ExpectedOutput) IsValid() bool {
	return o == "" || o == OutputText || o == OutputJSON
}

// DefaultSettings returns the built-in server settings.
func DefaultSettings() ServerSettings {
	return ServerSettings{
		MaxSessions:                 100,
		SessionTimeoutMinutes:       60,
		TemplateCacheSize:           50,
		SessionCacheSize:            20,
		DefaultFlow:                 "deep_thinking",
		QualityGateDefaultThreshold: 0.7,
		DatabasePath:                "deepthink.db",
		SweepIntervalSeconds:        60,
	}
}
