// Package mcp implements the Model Context Protocol server for Tasuki.
//
// The MCP server exposes the same run lifecycle capabilities as the HTTP
// API through MCP tools, allowing MCP-compatible AI agents to submit runs,
// poll status, request cancellation, and read usage rollups.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/analytics"
	"github.com/ashita-ai/tasuki/internal/engine"
	"github.com/ashita-ai/tasuki/internal/model"
)

// Server wraps the MCP server with Tasuki's engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	gateway   *engine.Gateway
	registry  *engine.Registry
	usage     *analytics.Usage
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(gw *engine.Gateway, reg *engine.Registry, usage *analytics.Usage, version string, logger *slog.Logger) *Server {
	s := &Server{
		gateway:  gw,
		registry: reg,
		usage:    usage,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tasuki",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// tasuki://intents — the catalog of registered intents.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tasuki://intents",
			"Registered Intents",
			mcplib.WithResourceDescription("Intents that can be submitted as runs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleIntentsResource,
	)
}

func (s *Server) registerTools() {
	// tasuki_submit — submit a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_submit",
			mcplib.WithDescription("Submit a run for an intent. Returns the run snapshot; replaying with the same idempotency_key returns the original run."),
			mcplib.WithString("intent", mcplib.Description("Intent name, e.g. phishing.triage"), mcplib.Required()),
			mcplib.WithString("payload", mcplib.Description("JSON payload for the run")),
			mcplib.WithString("idempotency_key", mcplib.Description("Optional dedup key; replays return the existing run")),
		),
		s.handleSubmit,
	)

	// tasuki_status — poll a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_status",
			mcplib.WithDescription("Fetch the current snapshot of a run: status, per-step progress, and the aggregated result so far"),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleStatus,
	)

	// tasuki_cancel — request cancellation.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_cancel",
			mcplib.WithDescription("Request cooperative cancellation of a run. The in-flight step finishes; remaining steps are skipped."),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleCancel,
	)

	// tasuki_usage — usage rollup.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_usage",
			mcplib.WithDescription("Time-bucketed success/failure counts for an intent, with the alert flag"),
			mcplib.WithString("intent", mcplib.Description("Intent name"), mcplib.Required()),
			mcplib.WithString("window", mcplib.Description("Lookback window such as 24h (default 24h)")),
			mcplib.WithNumber("buckets", mcplib.Description("Number of buckets (default 24)")),
		),
		s.handleUsage,
	)
}

func (s *Server) handleIntentsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(map[string]any{
		"intents": s.registry.Intents(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal intents: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "tasuki://intents",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	intent := request.GetString("intent", "")
	if intent == "" {
		return errorResult("intent is required"), nil
	}
	payload := request.GetString("payload", "")
	if payload != "" && !json.Valid([]byte(payload)) {
		return errorResult("payload must be valid JSON"), nil
	}

	req := model.SubmitRunRequest{
		Intent:         intent,
		IdempotencyKey: request.GetString("idempotency_key", ""),
	}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}

	run, created, err := s.gateway.Submit(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}

	return runResult(map[string]any{
		"run_id":  run.ID,
		"status":  run.Status,
		"version": run.Version,
		"created": created,
	})
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	run, err := s.gateway.Status(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("status failed: %v", err)), nil
	}
	return runResult(run)
}

func (s *Server) handleCancel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	run, err := s.gateway.Cancel(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return runResult(map[string]any{
		"run_id":           run.ID,
		"status":           run.Status,
		"cancel_requested": run.CancelRequested,
	})
}

func (s *Server) handleUsage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	intent := request.GetString("intent", "")
	if intent == "" {
		return errorResult("intent is required"), nil
	}

	var window time.Duration
	if raw := request.GetString("window", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errorResult("window must be a duration like 24h"), nil
		}
		window = d
	}

	summary, err := s.usage.Summarize(ctx, intent, window, request.GetInt("buckets", 0))
	if err != nil {
		return errorResult(fmt.Sprintf("usage failed: %v", err)), nil
	}
	return runResult(summary)
}

func runResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
