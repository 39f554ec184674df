package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with every escrow tool
// registered.
func NewMCPServer(cfg Config) (*server.MCPServer, error) {
	client, err := NewEscrowClient(cfg)
	if err != nil {
		return nil, err
	}
	s := server.NewMCPServer("nftescrow", "0.1.0")
	h := NewHandlers(client)

	s.AddTool(ToolGetDeal, h.HandleGetDeal)
	s.AddTool(ToolListDeals, h.HandleListDeals)
	s.AddTool(ToolGetDealActivity, h.HandleGetDealActivity)
	s.AddTool(ToolGetCustodyDeal, h.HandleGetCustodyDeal)
	s.AddTool(ToolGetPlatformStats, h.HandleGetPlatformStats)
	s.AddTool(ToolProposeCounterOffer, h.HandleProposeCounterOffer)
	s.AddTool(ToolRespondCounterOffer, h.HandleRespondCounterOffer)
	s.AddTool(ToolRecoverDeal, h.HandleRecoverDeal)

	return s, nil
}
