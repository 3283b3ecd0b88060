package mcp

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Argument names match the JSON tags of the request types
// in handlers.go.

var statsToolDef = mcp.NewTool("memory_stats",
	mcp.WithDescription("Report memory counts, total size and token estimate, size warnings and corrupted files."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var listToolDef = mcp.NewTool("memory_list",
	mcp.WithDescription("List task memories, most recently updated first. Content is not included; use memory_show."),
	mcp.WithString("state", mcp.Description("Filter by state"), mcp.Enum("active", "archived")),
	mcp.WithString("match", mcp.Description("Glob over task ids, e.g. \"T-12*\"")),
	mcp.WithNumber("limit", mcp.Description("Max items (default 50, max 500)")),
	mcp.WithNumber("offset", mcp.Description("Items to skip")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var showToolDef = mcp.NewTool("memory_show",
	mcp.WithDescription("Show one task memory with its content and section names."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var appendToolDef = mcp.NewTool("memory_append",
	mcp.WithDescription("Append content to an active task memory. With section, the content goes into that section (e.g. \"decisions\"), replacing a placeholder body."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	mcp.WithString("content", mcp.Required(), mcp.Description("Markdown to append")),
	mcp.WithString("section", mcp.Description("Target section name; empty appends to the end")),
)

var compactToolDef = mcp.NewTool("memory_compact",
	mcp.WithDescription("Compact an active task memory: drop duplicate entries and keep the latest value per key. Decisions are never touched."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	mcp.WithIdempotentHintAnnotation(true),
)

var searchToolDef = mcp.NewTool("memory_search",
	mcp.WithDescription("Full-text search over active and archived task memories, ranked by term frequency."),
	mcp.WithString("query", mcp.Required(), mcp.Description("Free-text query")),
	mcp.WithString("state", mcp.Description("Filter by state"), mcp.Enum("active", "archived")),
	mcp.WithString("match", mcp.Description("Glob over task ids")),
	mcp.WithNumber("limit", mcp.Description("Max hits (default 20, max 100)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var exportToolDef = mcp.NewTool("memory_export",
	mcp.WithDescription("Export task memories with their snapshots to a JSONL file."),
	mcp.WithString("path", mcp.Description("Destination .jsonl path; default under the exports directory")),
	mcp.WithString("task_id", mcp.Description("Export a single memory")),
	mcp.WithString("state", mcp.Description("Filter by state"), mcp.Enum("active", "archived")),
	mcp.WithString("match", mcp.Description("Glob over task ids")),
	mcp.WithString("pr", mcp.Description("Pull request reference; writes exports/pr-<n>.jsonl")),
)

var importToolDef = mcp.NewTool("memory_import",
	mcp.WithDescription("Import task memories from a JSONL export."),
	mcp.WithString("path", mcp.Description("Source .jsonl path")),
	mcp.WithString("from_pr", mcp.Description("Pull request reference (123, #123, pr-123)")),
	mcp.WithString("mode", mcp.Description("Collision handling (default error)"), mcp.Enum("error", "replace")),
)

var purgeToolDef = mcp.NewTool("memory_purge",
	mcp.WithDescription("Permanently delete a task memory in any state."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	mcp.WithDestructiveHintAnnotation(true),
)

var quarantineToolDef = mcp.NewTool("memory_quarantine",
	mcp.WithDescription("Move a task's corrupted memory files aside so the task can be recreated."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	mcp.WithDestructiveHintAnnotation(true),
)

var transitionToolDef = mcp.NewTool("memory_transition",
	mcp.WithDescription("Apply a task status change (todo, in_progress, done, closed). Pass either one change or an events array."),
	mcp.WithString("task_id", mcp.Description("Task id")),
	mcp.WithString("old_status", mcp.Description("Previous task status")),
	mcp.WithString("new_status", mcp.Description("New task status")),
	mcp.WithString("content", mcp.Description("Initial content when the memory is created")),
	mcp.WithArray("events",
		mcp.Description("Batch of {task_id, old_status, new_status} events applied in order"),
		mcp.Items(map[string]any{"type": "object"}),
	),
	mcp.WithIdempotentHintAnnotation(true),
)

var sweepToolDef = mcp.NewTool("memory_sweep",
	mcp.WithDescription("Delete closed task memories older than the retention window."),
	mcp.WithDestructiveHintAnnotation(true),
)

var reindexToolDef = mcp.NewTool("memory_reindex",
	mcp.WithDescription("Drop and rebuild the search index from the memory files."),
	mcp.WithIdempotentHintAnnotation(true),
)

var manifestRenderToolDef = mcp.NewTool("manifest_render",
	mcp.WithDescription("Render the import directives for active task memories, in activation order."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var manifestVerifyToolDef = mcp.NewTool("manifest_verify",
	mcp.WithDescription("Compare the manifest with the active memories on disk."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var manifestRepairToolDef = mcp.NewTool("manifest_repair",
	mcp.WithDescription("Rewrite the manifest to match the active memories on disk."),
	mcp.WithIdempotentHintAnnotation(true),
)
