// Package mcp exposes the consent gate to chat assistants as MCP tools.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/consentgate/internal/gate"
)

// Config holds MCP server configuration.
type Config struct {
	// Actor is recorded on checks and usage when a tool call names none.
	Actor string
	// ReadOnly hides the consent-mutating tools.
	ReadOnly bool
	Version  string
}

// Server wraps the MCP SDK server around a gate.Service.
type Server struct {
	mcpServer *mcpsdk.Server
	gate      *gate.Service
	actor     string
}

// New creates an MCP server with the consent tools registered.
func New(svc *gate.Service, cfg Config) *Server {
	actor := cfg.Actor
	if actor == "" {
		actor = "mcp"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{gate: svc, actor: actor}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "consentgate",
			Version: version,
		},
		nil,
	)
	s.registerTools(cfg.ReadOnly)
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds the consent tools to the MCP server.
func (s *Server) registerTools(readOnly bool) {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "consent_check",
		Description: "Check whether an action is permitted on an entity (story, person, evidence...). Returns allowed plus the ordered check trail. Always check before quoting, publishing or exporting community data.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "consent_history",
		Description: "List every consent ledger entry for an entity, newest first. The first entry governs.",
	}, s.handleEntries)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "consent_usage_history",
		Description: "Show recorded usage of an entity, newest first, with total revenue for contributor attribution.",
	}, s.handleUsageHistory)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "consent_log_usage",
		Description: "Record that a permitted action was taken on an entity. Best-effort; never fails the action.",
	}, s.handleLogUsage)

	if readOnly {
		return
	}

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "consent_update",
		Description: "Record a new consent decision for an entity. The new entry replaces the previous one. Community Controlled and Strictly Private levels require a cultural authority.",
	}, s.handleUpdate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "consent_revoke",
		Description: "Revoke the current consent of an entity. Every later check denies until new consent is recorded.",
	}, s.handleRevoke)
}
