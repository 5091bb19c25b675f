package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/studysync/internal/models"
)

// NewMCPServer creates an MCP server exposing the sync engine as tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"studysync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("studysync keeps a participant's study schedule and adherence records available offline and syncs them with Bridge."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_adherence",
			mcp.WithDescription("Upload pending adherence records for a study and pull the latest records from the server."),
			mcp.WithString("study", mcp.Description("Study id (defaults to the participant's first study)")),
		),
		mcpSyncAdherence(deps),
	)

	s.AddTool(
		mcp.NewTool("record_adherence",
			mcp.WithDescription("Record that a scheduled session instance was started, finished or declined. The record is uploaded in the background."),
			mcp.WithString("instanceGuid", mcp.Description("Session instance guid from the schedule"), mcp.Required()),
			mcp.WithString("startedOn", mcp.Description("RFC 3339 start time"), mcp.Required()),
			mcp.WithString("finishedOn", mcp.Description("RFC 3339 finish time")),
			mcp.WithString("eventTimestamp", mcp.Description("Timestamp of the event the session is scheduled from")),
			mcp.WithBoolean("declined", mcp.Description("Whether the participant declined the session")),
			mcp.WithString("study", mcp.Description("Study id (defaults to the participant's first study)")),
		),
		mcpRecordAdherence(deps),
	)

	s.AddTool(
		mcp.NewTool("set_availability",
			mcp.WithDescription("Set the participant's daily availability window. Randomized sessions are moved inside it."),
			mcp.WithString("wake", mcp.Description("Wake time as HH:mm"), mcp.Required()),
			mcp.WithString("bed", mcp.Description("Bed time as HH:mm"), mcp.Required()),
			mcp.WithString("study", mcp.Description("Study id (defaults to the participant's first study)")),
		),
		mcpSetAvailability(deps),
	)

	s.AddTool(
		mcp.NewTool("get_schedule",
			mcp.WithDescription("Return the participant's schedule for a study with randomized start times applied."),
			mcp.WithString("study", mcp.Description("Study id (defaults to the participant's first study)")),
		),
		mcpGetSchedule(deps),
	)

	s.AddTool(
		mcp.NewTool("list_pending",
			mcp.WithDescription("List local changes that have not been uploaded yet."),
			mcp.WithString("study", mcp.Description("Study id (defaults to the participant's first study)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of adherence records (default 20)")),
		),
		mcpListPending(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"study://session",
			"Participant Session",
			mcp.WithResourceDescription("Signed-in participant without credentials"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSession(deps),
	)

	return s
}

func mcpSyncAdherence(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		studyID, err := deps.Studies.ResolveStudy(ctx, req.GetString("study", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("cannot resolve study: %v", err)), nil
		}
		res, err := deps.Adherence.Sync(ctx, studyID)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed after uploading %d records: %v", res.Uploaded, err)), nil
		}
		return mcpText(fmt.Sprintf("Study %s: uploaded %d, retry %d, failed %d, pulled %d of %d",
			studyID, res.Uploaded, res.Retry, res.Failed, res.Pulled, res.Total)), nil
	}
}

func mcpRecordAdherence(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		guid, err := req.RequireString("instanceGuid")
		if err != nil {
			return mcpError("instanceGuid is required"), nil
		}
		started, err := req.RequireString("startedOn")
		if err != nil {
			return mcpError("startedOn is required"), nil
		}
		rec := models.AdherenceRecord{
			InstanceGuid:   guid,
			EventTimestamp: req.GetString("eventTimestamp", ""),
		}
		if rec.StartedOn, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return mcpError(fmt.Sprintf("startedOn is not an RFC 3339 time: %v", err)), nil
		}
		if finished := req.GetString("finishedOn", ""); finished != "" {
			t, err := time.Parse(time.RFC3339Nano, finished)
			if err != nil {
				return mcpError(fmt.Sprintf("finishedOn is not an RFC 3339 time: %v", err)), nil
			}
			rec.FinishedOn = &t
		}
		if req.GetBool("declined", false) {
			declined := true
			rec.Declined = &declined
		}

		studyID, err := deps.Studies.ResolveStudy(ctx, req.GetString("study", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("cannot resolve study: %v", err)), nil
		}
		if err := deps.Adherence.CreateUpdate(ctx, studyID, rec); err != nil {
			return mcpError(fmt.Sprintf("failed to record adherence: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Recorded adherence for %s in study %s", guid, studyID)), nil
	}
}

func mcpSetAvailability(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		wakeStr, err := req.RequireString("wake")
		if err != nil {
			return mcpError("wake is required"), nil
		}
		bedStr, err := req.RequireString("bed")
		if err != nil {
			return mcpError("bed is required"), nil
		}
		wake, err := models.ParseLocalTime(wakeStr)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid wake time: %v", err)), nil
		}
		bed, err := models.ParseLocalTime(bedStr)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid bed time: %v", err)), nil
		}
		w := models.UserAvailabilityWindow{Wake: wake, Bed: bed}
		if err := deps.Studies.SetAvailability(ctx, req.GetString("study", ""), w); err != nil {
			return mcpError(fmt.Sprintf("failed to set availability: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Availability set to %s-%s", wake, bed)), nil
	}
}

func mcpGetSchedule(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		studyID, err := deps.Studies.ResolveStudy(ctx, req.GetString("study", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("cannot resolve study: %v", err)), nil
		}
		s, err := deps.Schedules.Schedule(ctx, studyID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load schedule: %v", err)), nil
		}
		b, err := json.Marshal(s)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal schedule: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListPending(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		studyID, err := deps.Studies.ResolveStudy(ctx, req.GetString("study", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("cannot resolve study: %v", err)), nil
		}
		rows, err := deps.Adherence.Pending(ctx, studyID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list pending adherence: %v", err)), nil
		}
		dirty, err := deps.Resources.GetDirty(ctx, "", "")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list dirty resources: %v", err)), nil
		}

		out := struct {
			Study     string             `json:"study"`
			Adherence []PendingAdherence `json:"adherence"`
			Resources []ResourceView     `json:"resources"`
		}{Study: studyID, Adherence: []PendingAdherence{}, Resources: []ResourceView{}}
		for i, row := range rows {
			if i == limit {
				break
			}
			out.Adherence = append(out.Adherence, viewPending(row))
		}
		for _, res := range dirty {
			v := viewResource(res)
			v.Data = nil
			out.Resources = append(out.Resources, v)
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal pending changes: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSession(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		s, err := deps.Participant.Session(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read session: %w", err)
		}
		b, err := json.Marshal(redactSession(s))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session: %w", err)
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
