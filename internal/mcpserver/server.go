package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the escrow read tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("tradeescrow", "1.0.0")
	h := NewHandlers(NewEscrowClient(cfg))

	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolListReleases, h.HandleListReleases)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolListDisputes, h.HandleListDisputes)

	return s
}
