package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pario-ai/ladder/pkg/engine"
	"github.com/pario-ai/ladder/pkg/models"
)

// Tool argument structs.

type intentArgs struct {
	Intent string                 `json:"intent"`
	Meta   models.ContextMetadata `json:"context_metadata"`
}

type requestArgs struct {
	Intent   string                 `json:"intent"`
	Prompt   string                 `json:"prompt"`
	Messages []models.Message       `json:"messages"`
	Meta     models.ContextMetadata `json:"context_metadata"`
}

func (a requestArgs) request() models.Request {
	return models.Request{
		Intent:  a.Intent,
		Payload: models.Payload{Prompt: a.Prompt, Messages: a.Messages},
		Meta:    a.Meta,
	}
}

type usageArgs struct {
	Intent    string `json:"intent"`
	SessionID string `json:"session_id"`
	Sessions  bool   `json:"sessions"`
}

type contractArgs struct {
	Action     string      `json:"action"`
	Mode       models.Mode `json:"mode"`
	TTLSeconds int         `json:"ttl_seconds"`
	Reason     string      `json:"reason"`
}

var (
	intentOpt = mcpgo.WithString("intent",
		mcpgo.Required(),
		mcpgo.Description("Intent name declared in the routing policy"),
	)
	metaOpt = mcpgo.WithObject("context_metadata",
		mcpgo.Description("Optional context metadata: corr_id, run_id, session_id, input_text, overrides"),
	)
	promptOpt = mcpgo.WithString("prompt",
		mcpgo.Description("Prompt text (use messages for a chat transcript)"),
	)
	messagesOpt = mcpgo.WithArray("messages",
		mcpgo.Description("Chat messages as {role, content} objects"),
		mcpgo.Items(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
		}),
	)
)

// tools returns the tool definitions bound to their handlers.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcpgo.NewTool("ladder_execute",
				mcpgo.WithDescription("Route a request through the provider ladder for an intent and return the response with its escalation trace."),
				intentOpt, promptOpt, messagesOpt, metaOpt,
			),
			Handler: s.handleExecute,
		},
		{
			Tool: mcpgo.NewTool("ladder_select_model",
				mcpgo.WithDescription("Show which provider and model an intent would try first, with the planned ladder."),
				mcpgo.WithReadOnlyHintAnnotation(true),
				intentOpt, metaOpt,
			),
			Handler: s.handleSelectModel,
		},
		{
			Tool: mcpgo.NewTool("ladder_intent_status",
				mcpgo.WithDescription("Show an intent's route, today's budget usage and provider circuit states."),
				mcpgo.WithReadOnlyHintAnnotation(true),
				intentOpt,
			),
			Handler: s.handleIntentStatus,
		},
		{
			Tool: mcpgo.NewTool("ladder_explain_route",
				mcpgo.WithDescription("Dry-run planning and the context guard for a payload without dispatching."),
				mcpgo.WithReadOnlyHintAnnotation(true),
				intentOpt, promptOpt, messagesOpt, metaOpt,
			),
			Handler: s.handleExplainRoute,
		},
		{
			Tool: mcpgo.NewTool("ladder_usage",
				mcpgo.WithDescription("Show budget usage, per-intent token statistics and cache statistics. Pass session_id for one session's requests."),
				mcpgo.WithReadOnlyHintAnnotation(true),
				mcpgo.WithString("intent", mcpgo.Description("Filter by intent (optional, omit for all intents)")),
				mcpgo.WithString("session_id", mcpgo.Description("Show per-request detail for this session (optional)")),
				mcpgo.WithBoolean("sessions", mcpgo.Description("List tracked sessions instead of the usage summary")),
			),
			Handler: s.handleUsage,
		},
		{
			Tool: mcpgo.NewTool("ladder_contract",
				mcpgo.WithDescription("Show or change the SERVICE/CODE contract mode."),
				mcpgo.WithString("action",
					mcpgo.Enum("status", "override", "clear"),
					mcpgo.Description("status (default), override or clear"),
				),
				mcpgo.WithString("mode",
					mcpgo.Enum("SERVICE", "CODE"),
					mcpgo.Description("Mode to pin for action=override"),
				),
				mcpgo.WithNumber("ttl_seconds", mcpgo.Description("Override lifetime in seconds")),
				mcpgo.WithString("reason", mcpgo.Description("Why the override is set")),
			),
			Handler: s.handleContract,
		},
	}
}

func jsonResult(v any, isError bool) *mcpgo.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpgo.NewToolResultError("Error encoding result: " + err.Error())
	}
	res := mcpgo.NewToolResultStructured(v, string(data))
	res.IsError = isError
	return res
}

func invalidArgs(err error) *mcpgo.CallToolResult {
	return mcpgo.NewToolResultError("Invalid arguments: " + err.Error())
}

func engineError(err error) *mcpgo.CallToolResult {
	var ee *engine.Error
	if errors.As(err, &ee) {
		var b strings.Builder
		b.WriteString(ee.Error())
		for _, hint := range ee.Reason.Remediation() {
			b.WriteString("\n  - " + hint)
		}
		return mcpgo.NewToolResultError(b.String())
	}
	return mcpgo.NewToolResultError(err.Error())
}

func (s *Server) handleExecute(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var args requestArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	res := s.engine.Execute(ctx, args.request())
	return jsonResult(res, !res.OK), nil
}

func (s *Server) handleSelectModel(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var args intentArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	sel, err := s.engine.SelectModel(ctx, args.Intent, args.Meta)
	if err != nil {
		return engineError(err), nil
	}
	return jsonResult(sel, false), nil
}

func (s *Server) handleIntentStatus(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	intent, err := req.RequireString("intent")
	if err != nil {
		return invalidArgs(err), nil
	}
	st, err := s.engine.IntentStatus(intent)
	if err != nil {
		return engineError(err), nil
	}
	return jsonResult(st, false), nil
}

func (s *Server) handleExplainRoute(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var args requestArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	r := args.request()
	ex, err := s.engine.ExplainRoute(ctx, r.Intent, r.Meta, r.Payload)
	if err != nil {
		return engineError(err), nil
	}
	return jsonResult(ex, false), nil
}

func (s *Server) handleUsage(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var args usageArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}

	if args.SessionID != "" || args.Sessions {
		if s.opts.Tracker == nil {
			return mcpgo.NewToolResultText("Usage tracking is not configured."), nil
		}
		if args.SessionID != "" {
			reqs, err := s.opts.Tracker.SessionRequests(ctx, args.SessionID)
			if err != nil {
				return mcpgo.NewToolResultErrorFromErr("Error fetching session detail", err), nil
			}
			return mcpgo.NewToolResultText(formatSessionRequests(reqs)), nil
		}
		sessions, err := s.opts.Tracker.ListSessions(ctx)
		if err != nil {
			return mcpgo.NewToolResultErrorFromErr("Error fetching sessions", err), nil
		}
		return mcpgo.NewToolResultText(formatSessions(sessions)), nil
	}

	var b strings.Builder
	if s.opts.Budget != nil {
		statuses := s.opts.Budget.StatusAll()
		if args.Intent != "" {
			statuses = s.opts.Budget.Status(args.Intent)
		}
		b.WriteString(formatBudgetStatus(statuses))
		b.WriteString("\n")
	}
	if s.opts.Tracker != nil {
		rows, err := s.opts.Tracker.Summary(ctx, args.Intent)
		if err != nil {
			return mcpgo.NewToolResultErrorFromErr("Error fetching stats", err), nil
		}
		b.WriteString(formatSummary(rows))
		b.WriteString("\n")
	}
	if s.opts.Cache != nil {
		stats, err := s.opts.Cache.Stats()
		if err != nil {
			return mcpgo.NewToolResultErrorFromErr("Error fetching cache stats", err), nil
		}
		b.WriteString(formatCacheStats(stats))
	}
	if b.Len() == 0 {
		return mcpgo.NewToolResultText("Usage tracking is not configured."), nil
	}
	return mcpgo.NewToolResultText(b.String()), nil
}

func (s *Server) handleContract(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.opts.Contract == nil {
		return mcpgo.NewToolResultText("The contract manager is disabled."), nil
	}
	var args contractArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}

	var (
		st  models.ContractState
		err error
	)
	switch args.Action {
	case "", "status":
		st = s.opts.Contract.State()
	case "override":
		st, err = s.opts.Contract.SetOverride(args.Mode, time.Duration(args.TTLSeconds)*time.Second, args.Reason)
	case "clear":
		st, err = s.opts.Contract.ClearOverride()
	default:
		return mcpgo.NewToolResultError("unknown action: " + args.Action), nil
	}
	if err != nil {
		return mcpgo.NewToolResultErrorFromErr("Error updating contract", err), nil
	}
	return mcpgo.NewToolResultText(formatContract(st)), nil
}
