package server

import (
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/deepthink-mcp/deepthink/pkg/config"
	"github.com/deepthink-mcp/deepthink/pkg/flow"
	"github.com/deepthink-mcp/deepthink/pkg/session"
	"github.com/deepthink-mcp/deepthink/pkg/template"
	"github.com/deepthink-mcp/deepthink/pkg/version"
)

// Handlers is the explicit dependency container behind the tool
// surface, created once at startup and shared by every handler.
type Handlers struct {
	snapshots *config.Holder
	sessions  *session.Manager
	templates *template.Manager
	engine    *flow.Engine
}

// NewHandlers wires the tool handlers to their collaborators.
func NewHandlers(snapshots *config.Holder, sessions *session.Manager, templates *template.Manager, engine *flow.Engine) *Handlers {
	return &Handlers{
		snapshots: snapshots,
		sessions:  sessions,
		templates: templates,
		engine:    engine,
	}
}

const serverInstructions = `deepthink drives a multi-step deep-thinking workflow. Call start_thinking
with a topic to receive the first prompt. Execute each prompt yourself
(including any web search it asks for) and feed your output back through
next_step; the server answers with the next prompt until the flow
completes. Use analyze_step to self-evaluate any step and pass the
resulting score back via next_step.quality_feedback. Finish with
complete_thinking to get the final report.`

// New creates the MCP server with all four thinking tools registered.
func New(h *Handlers) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		version.AppName,
		version.GitCommit,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.AddTool(startThinkingTool(), h.handleStartThinking)
	s.AddTool(nextStepTool(), h.handleNextStep)
	s.AddTool(analyzeStepTool(), h.handleAnalyzeStep)
	s.AddTool(completeThinkingTool(), h.handleCompleteThinking)

	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until EOF.
func ServeStdio(s *mcpserver.MCPServer) error {
	return mcpserver.ServeStdio(s)
}

func startThinkingTool() mcp.Tool {
	return mcp.NewTool("start_thinking",
		mcp.WithDescription("Begin a deep-thinking session on a topic. "+
			"Returns the first prompt to execute and the new session id."),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("The question or problem to think about (1-1000 characters)"),
		),
		mcp.WithString("complexity",
			mcp.Description("Topic complexity: simple, moderate, or complex (default moderate)"),
			mcp.Enum("simple", "moderate", "complex"),
		),
		mcp.WithString("focus",
			mcp.Description("Optional aspect of the topic to emphasise"),
		),
		mcp.WithString("flow_type",
			mcp.Description("Thinking flow to run (default: the configured default flow)"),
		),
	)
}

func nextStepTool() mcp.Tool {
	return mcp.NewTool("next_step",
		mcp.WithDescription("Submit the output of the current step and receive the next prompt. "+
			"Optionally attach a quality self-evaluation; low scores retry retryable steps."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session id returned by start_thinking"),
		),
		mcp.WithString("step_result",
			mcp.Required(),
			mcp.Description("Your full output for the current step"),
		),
		mcp.WithObject("quality_feedback",
			mcp.Description("Optional self-evaluation: {quality_score: 0..1, feedback: string, improvement_areas: [string]}"),
		),
	)
}

func analyzeStepTool() mcp.Tool {
	return mcp.NewTool("analyze_step",
		mcp.WithDescription("Get an evaluation prompt for a step's output. Does not advance the flow; "+
			"feed the resulting score back via next_step.quality_feedback."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session id returned by start_thinking"),
		),
		mcp.WithString("step_name",
			mcp.Required(),
			mcp.Description("Name of the step whose output is being analyzed"),
		),
		mcp.WithString("step_result",
			mcp.Required(),
			mcp.Description("The step output to analyze"),
		),
		mcp.WithString("analysis_type",
			mcp.Required(),
			mcp.Description("Dimension to analyze"),
			mcp.Enum("quality", "format", "completeness", "bias", "logic"),
		),
	)
}

func completeThinkingTool() mcp.Tool {
	return mcp.NewTool("complete_thinking",
		mcp.WithDescription("Close the session and receive the final report prompt."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session id returned by start_thinking"),
		),
		mcp.WithString("final_insights",
			mcp.Description("Optional closing insights to fold into the report"),
		),
	)
}
