// Package server exposes the four MCP tools that drive the deep
// thinking workflow over stdio. It composes the config snapshot,
// session manager, flow engine, and template manager into the external
// tool contract.
package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepthink-mcp/deepthink/pkg/config"
	"github.com/deepthink-mcp/deepthink/pkg/flow"
	"github.com/deepthink-mcp/deepthink/pkg/session"
	"github.com/deepthink-mcp/deepthink/pkg/store"
	"github.com/deepthink-mcp/deepthink/pkg/template"
)

// ToolResult is the success payload shared by every tool.
type ToolResult struct {
	ToolName       string         `json:"tool_name"`
	SessionID      string         `json:"session_id"`
	Step           string         `json:"step"`
	PromptTemplate string         `json:"prompt_template"`
	Instructions   string         `json:"instructions"`
	Context        map[string]any `json:"context"`
	NextAction     string         `json:"next_action"`
	Metadata       map[string]any `json:"metadata"`
}

// ErrorCode enumerates the structured error codes of the tool contract.
type ErrorCode string

const (
	CodeValidationError   ErrorCode = "ValidationError"
	CodeSessionNotFound   ErrorCode = "SessionNotFound"
	CodeSessionExpired    ErrorCode = "SessionExpired"
	CodeSessionTerminal   ErrorCode = "SessionTerminal"
	CodeTemplateNotFound  ErrorCode = "TemplateNotFound"
	CodeFlowNotFound      ErrorCode = "FlowNotFound"
	CodeStepNotFound      ErrorCode = "StepNotFound"
	CodeForEachResolution ErrorCode = "ForEachResolutionError"
	CodeStorageError      ErrorCode = "StorageError"
	CodeInternalError     ErrorCode = "InternalError"
)

// ErrorEnvelope is the error payload shared by every tool.
type ErrorEnvelope struct {
	Error               bool           `json:"error"`
	ErrorCode           ErrorCode      `json:"error_code"`
	ErrorMessage        string         `json:"error_message"`
	Details             map[string]any `json:"details"`
	RecoverySuggestions []string       `json:"recovery_suggestions"`
}

// recoverySuggestions maps each error code to short, actionable hints.
var recoverySuggestions = map[ErrorCode][]string{
	CodeValidationError: {
		"check the tool input against the documented schema",
		"correct the offending field and call the tool again",
	},
	CodeSessionNotFound: {
		"verify the session id",
		"call start_thinking to begin a new session",
	},
	CodeSessionExpired: {
		"the session idled past its timeout and was expired",
		"call start_thinking to begin a new session",
	},
	CodeSessionTerminal: {
		"this session is completed, failed, or expired and cannot change",
		"call start_thinking to begin a new session",
	},
	CodeTemplateNotFound: {
		"verify the template name exists in the loaded configuration",
		"reload the configuration if templates were recently added",
	},
	CodeFlowNotFound: {
		"verify flow_type against the configured thinking_flows",
		"omit flow_type to use the default flow",
	},
	CodeStepNotFound: {
		"verify the step name against the session's flow definition",
	},
	CodeForEachResolution: {
		"the producer step did not return parseable structured output",
		"re-run the producer step with output formatted as requested",
		"use analyze_step with analysis_type=format to diagnose the reply",
	},
	CodeStorageError: {
		"the embedded database rejected the operation twice",
		"check disk space and database file permissions, then retry",
	},
	CodeInternalError: {
		"an unexpected error occurred; check the server logs",
	},
}

// marshalResult encodes a success payload as a JSON text content block.
func marshalResult(result *ToolResult) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError builds the structured error envelope for a code.
func toolError(code ErrorCode, message string, details map[string]any) (*mcp.CallToolResult, error) {
	if details == nil {
		details = map[string]any{}
	}
	envelope := ErrorEnvelope{
		Error:               true,
		ErrorCode:           code,
		ErrorMessage:        message,
		Details:             details,
		RecoverySuggestions: recoverySuggestions[code],
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode error envelope: %w", err)
	}
	return mcp.NewToolResultError(string(data)), nil
}

// mapError classifies an internal error into the tool contract's error
// code space. No untyped error crosses the MCP boundary.
func mapError(err error) (ErrorCode, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return CodeSessionNotFound, err.Error()
	case errors.Is(err, session.ErrSessionExpired):
		return CodeSessionExpired, err.Error()
	case errors.Is(err, session.ErrSessionTerminal):
		return CodeSessionTerminal, err.Error()
	case errors.Is(err, session.ErrSessionLimit):
		return CodeValidationError, err.Error()
	case errors.Is(err, config.ErrTemplateNotFound):
		return CodeTemplateNotFound, err.Error()
	case errors.Is(err, config.ErrFlowNotFound):
		return CodeFlowNotFound, err.Error()
	case errors.Is(err, config.ErrStepNotFound):
		return CodeStepNotFound, err.Error()
	case errors.Is(err, flow.ErrForEachResolution):
		return CodeForEachResolution, err.Error()
	case errors.Is(err, template.ErrMissingParams):
		return CodeValidationError, err.Error()
	case errors.Is(err, store.ErrStorage):
		return CodeStorageError, err.Error()
	default:
		return CodeInternalError, err.Error()
	}
}

// failWith maps an internal error and renders the envelope.
func failWith(err error) (*mcp.CallToolResult, error) {
	code, message := mapError(err)
	return toolError(code, message, nil)
}
