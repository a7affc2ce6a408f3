package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "0.1.0")
	client := NewEscrowClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListMyEscrows, h.HandleListMyEscrows)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolGetBalance, h.HandleGetBalance)
	s.AddTool(ToolGetDepositAddress, h.HandleGetDepositAddress)
	s.AddTool(ToolConfirmDelivery, h.HandleConfirmDelivery)
	s.AddTool(ToolRequestRelease, h.HandleRequestRelease)
	s.AddTool(ToolMarkDisputed, h.HandleMarkDisputed)

	return s
}
