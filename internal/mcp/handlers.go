package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/lifecycle"
	"github.com/hpungsan/taskmem/internal/ops"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	env *ops.Env
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(env *ops.Env) *Handlers {
	return &Handlers{env: env}
}

// Request types for each tool

// TaskRequest addresses a single memory.
type TaskRequest struct {
	TaskID string `json:"task_id"`
}

// ListRequest represents the arguments for memory_list.
type ListRequest struct {
	State  string `json:"state,omitempty"`
	Match  string `json:"match,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// AppendRequest represents the arguments for memory_append.
type AppendRequest struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
	Section string `json:"section,omitempty"`
}

// SearchRequest represents the arguments for memory_search.
type SearchRequest struct {
	Query string `json:"query"`
	State string `json:"state,omitempty"`
	Match string `json:"match,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ExportRequest represents the arguments for memory_export.
type ExportRequest struct {
	Path   string `json:"path,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	State  string `json:"state,omitempty"`
	Match  string `json:"match,omitempty"`
	PR     string `json:"pr,omitempty"`
}

// ImportRequest represents the arguments for memory_import.
type ImportRequest struct {
	Path   string `json:"path,omitempty"`
	FromPR string `json:"from_pr,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// TransitionRequest represents the arguments for memory_transition. Either
// the single-event fields or Events is set.
type TransitionRequest struct {
	TaskID    string            `json:"task_id,omitempty"`
	OldStatus string            `json:"old_status,omitempty"`
	NewStatus string            `json:"new_status,omitempty"`
	Content   string            `json:"content,omitempty"`
	Events    []lifecycle.Event `json:"events,omitempty"`
}

// Handler implementations

// HandleStats handles the memory_stats tool call.
func (h *Handlers) HandleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.Stats(ctx, h.env)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleList handles the memory_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.List(ctx, h.env, ops.ListInput{
		State:  input.State,
		Match:  input.Match,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleShow handles the memory_show tool call.
func (h *Handlers) HandleShow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TaskRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Show(ctx, h.env, input.TaskID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleAppend handles the memory_append tool call.
func (h *Handlers) HandleAppend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AppendRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Append(ctx, h.env, ops.AppendInput{
		TaskID:  input.TaskID,
		Content: input.Content,
		Section: input.Section,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleCompact handles the memory_compact tool call. NOTHING_TO_COMPACT is
// reported as an error result so the caller sees the signal code.
func (h *Handlers) HandleCompact(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TaskRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Compact(ctx, h.env, input.TaskID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSearch handles the memory_search tool call.
func (h *Handlers) HandleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SearchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Search(ctx, h.env, ops.SearchInput{
		Query: input.Query,
		State: input.State,
		Match: input.Match,
		Limit: input.Limit,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleExport handles the memory_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Export(ctx, h.env, ops.ExportInput{
		Path:   input.Path,
		TaskID: input.TaskID,
		State:  input.State,
		Match:  input.Match,
		PR:     input.PR,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleImport handles the memory_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Import(ctx, h.env, ops.ImportInput{
		Path:   input.Path,
		FromPR: input.FromPR,
		Mode:   ops.ImportMode(input.Mode),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandlePurge handles the memory_purge tool call.
func (h *Handlers) HandlePurge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TaskRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Purge(ctx, h.env, input.TaskID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleQuarantine handles the memory_quarantine tool call.
func (h *Handlers) HandleQuarantine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TaskRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Quarantine(ctx, h.env, input.TaskID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleTransition handles the memory_transition tool call.
func (h *Handlers) HandleTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TransitionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	if len(input.Events) > 0 {
		if input.TaskID != "" {
			return errorResult(errors.NewInvalidRequest("specify either task_id or events, not both")), nil
		}
		// Route through the JSONL decoder so batches get the same validation
		// as the CLI hook.
		raw, err := json.Marshal(input.Events)
		if err != nil {
			return errorResult(errors.NewInternal(err)), nil
		}
		result, err := ops.TransitionBatch(ctx, h.env, bytes.NewReader(raw))
		if err != nil {
			return errorResult(err), nil
		}
		return successResult(result)
	}

	if input.TaskID == "" {
		return errorResult(errors.NewInvalidRequest("task_id or events is required")), nil
	}
	result, err := ops.Transition(ctx, h.env, lifecycle.Event{
		TaskID:    input.TaskID,
		OldStatus: input.OldStatus,
		NewStatus: input.NewStatus,
		Content:   input.Content,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSweep handles the memory_sweep tool call.
func (h *Handlers) HandleSweep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.Sweep(ctx, h.env)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleReindex handles the memory_reindex tool call.
func (h *Handlers) HandleReindex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.RebuildIndex(ctx, h.env)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleManifestRender handles the manifest_render tool call.
func (h *Handlers) HandleManifestRender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.ManifestRender(ctx, h.env)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleManifestVerify handles the manifest_verify tool call.
func (h *Handlers) HandleManifestVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.ManifestVerify(ctx, h.env)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleManifestRepair handles the manifest_repair tool call.
func (h *Handlers) HandleManifestRepair(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.ManifestRepair(ctx, h.env)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if memErr, ok := errors.As(err); ok {
		// Keep context added by wrappers, e.g. "event #2: ...".
		msg := strings.TrimSuffix(err.Error(), memErr.Error()) + memErr.Message
		errorObj := map[string]any{
			"code":    memErr.Code,
			"message": msg,
			"status":  memErr.Status,
		}
		if memErr.Retryable() {
			errorObj["retryable"] = true
		}
		// File paths and OS errors stay out of INTERNAL payloads.
		if memErr.Code != errors.ErrInternal && memErr.Details != nil {
			errorObj["details"] = memErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
