package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ascmsync/internal/payload"
	"github.com/kalambet/ascmsync/internal/queue"
)

const maxListedItems = 50

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Goals   GoalEnqueuer
	Avatars AvatarEnqueuer
	Queues  map[string]queue.Controller
	Version string
}

// NewMCPServer creates an MCP server exposing the publish queues as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"ascmsync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ascmsync queues goal snapshots and avatar updates and delivers them to the tables API when it is reachable."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("enqueue_goal_snapshot",
			mcp.WithDescription("Queue one month of goals for publishing. Values are keyed by metric, then by role."),
			mcp.WithString("month", mcp.Description("Month as YYYY-MM"), mcp.Required()),
			mcp.WithNumber("weeks", mcp.Description("Number of weeks in the month, 1 to 6 (default 4)")),
			mcp.WithString("values", mcp.Description(`JSON object such as {"calls":{"ae":120}}`)),
			mcp.WithString("user_id", mcp.Description("Owner of the snapshot; defaults to the session user")),
		),
		mcpEnqueueGoal(deps),
	)

	s.AddTool(
		mcp.NewTool("enqueue_avatar_update",
			mcp.WithDescription("Queue a profile image and LinkedIn link update for a user."),
			mcp.WithString("user_id", mcp.Description("User to update"), mcp.Required()),
			mcp.WithString("avatar_url", mcp.Description("Image URL")),
			mcp.WithString("linkedin_url", mcp.Description("LinkedIn profile URL")),
		),
		mcpEnqueueAvatar(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_summary",
			mcp.WithDescription("Return per-status counts for every queue."),
		),
		mcpQueueSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_list",
			mcp.WithDescription("List items of one queue, newest last."),
			mcp.WithString("queue", mcp.Description("Queue name: goals or avatars"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Only items with this status (queued, retrying, success, failed)")),
		),
		mcpQueueList(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_kick",
			mcp.WithDescription("Ask a queue to attempt delivery now instead of waiting for its next tick."),
			mcp.WithString("queue", mcp.Description("Queue name: goals or avatars"), mcp.Required()),
			mcp.WithBoolean("retry_failed", mcp.Description("Reset failed items before kicking")),
		),
		mcpQueueKick(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://summary",
			"Queue Summary",
			mcp.WithResourceDescription("Per-queue summary as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSummary(deps),
	)

	return s
}

func mcpEnqueueGoal(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		month, err := req.RequireString("month")
		if err != nil || month == "" {
			return mcpError("month is required"), nil
		}

		raw := map[string]any{
			"month":  month,
			"weeks":  req.GetFloat("weeks", 4),
			"userId": req.GetString("user_id", ""),
		}
		if v := req.GetString("values", ""); v != "" {
			var values map[string]any
			if err := json.Unmarshal([]byte(v), &values); err != nil {
				return mcpError(fmt.Sprintf("invalid values JSON: %v", err)), nil
			}
			raw["values"] = values
		}

		id := deps.Goals.Enqueue(payload.GoalSnapshotFromMap(raw))
		return mcpText(fmt.Sprintf("Queued goal snapshot %s", id)), nil
	}
}

func mcpEnqueueAvatar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil || userID == "" {
			return mcpError("user_id is required"), nil
		}

		id := deps.Avatars.Enqueue(payload.SanitizeAvatarUpdate(payload.AvatarUpdate{
			UserID:      userID,
			AvatarURL:   req.GetString("avatar_url", ""),
			LinkedInURL: req.GetString("linkedin_url", ""),
		}))
		return mcpText(fmt.Sprintf("Queued avatar update %s", id)), nil
	}
}

func mcpQueueSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(summaries(deps.Queues))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueueList(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, res := mcpController(deps, req)
		if res != nil {
			return res, nil
		}

		status := req.GetString("status", "")
		var items []queue.Item[json.RawMessage]
		for _, it := range c.ListRaw() {
			if status == "" || string(it.Status) == status {
				items = append(items, it)
			}
		}
		if len(items) > maxListedItems {
			items = items[len(items)-maxListedItems:]
		}
		if len(items) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(items)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal items: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueueKick(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, res := mcpController(deps, req)
		if res != nil {
			return res, nil
		}

		reset := 0
		if req.GetBool("retry_failed", false) {
			reset = c.RetryFailed()
		}
		c.Kick()

		if reset > 0 {
			return mcpText(fmt.Sprintf("Reset %d failed items and kicked %s", reset, c.Name())), nil
		}
		return mcpText(fmt.Sprintf("Kicked %s", c.Name())), nil
	}
}

func mcpResourceSummary(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(summaries(deps.Queues))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal summary: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpController(deps MCPDeps, req mcp.CallToolRequest) (queue.Controller, *mcp.CallToolResult) {
	name, err := req.RequireString("queue")
	if err != nil {
		return nil, mcpError("queue is required")
	}
	c, ok := deps.Queues[name]
	if !ok {
		names := make([]string, 0, len(deps.Queues))
		for n := range deps.Queues {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, mcpError(fmt.Sprintf("unknown queue %q (have %v)", name, names))
	}
	return c, nil
}

func summaries(queues map[string]queue.Controller) map[string]queue.Summary {
	out := make(map[string]queue.Summary, len(queues))
	for name, c := range queues {
		out[name] = c.Summary()
	}
	return out
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
