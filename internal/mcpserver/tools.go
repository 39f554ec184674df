package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetDeal = mcp.NewTool("get_deal",
	mcp.WithDescription(
		"Look up one NFT escrow deal by its id. "+
			"Shows type (BUY/SELL/SWAP), status, both parties, the NFTs involved, price, "+
			"which side has deposited, and any pending counter-offer."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal id returned when the deal was created")),
)

var ToolListDeals = mcp.NewTool("list_deals",
	mcp.WithDescription(
		"List escrow deals where a wallet is the creator or counterparty. "+
			"Defaults to your own wallet when address is omitted."),
	mcp.WithString("address",
		mcp.Description("Wallet address (e.g. '0x1234...')")),
	mcp.WithString("status",
		mcp.Description("Only deals in this status"),
		mcp.Enum("PENDING", "AWAITING_SELLER", "AWAITING_BUYER", "LOCKED_IN_ESCROW", "COMPLETED", "CANCELLED")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of deals to return (default 20)")),
)

var ToolGetDealActivity = mcp.NewTool("get_deal_activity",
	mcp.WithDescription(
		"Show the history of a deal: creation, deposits, counter-offers, settlement or cancellation, "+
			"with the wallet and transaction behind each step."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal id")),
)

var ToolGetCustodyDeal = mcp.NewTool("get_custody_deal",
	mcp.WithDescription(
		"Read what custody actually holds for a deal: the authoritative status, "+
			"deposits and escrow address. Use this when the deal record and reality might disagree."),
	mcp.WithNumber("onchain_deal_id",
		mcp.Required(),
		mcp.Description("The on-chain deal id linked to the deal")),
)

var ToolGetPlatformStats = mcp.NewTool("get_platform_stats",
	mcp.WithDescription(
		"Get escrow statistics: total, active, completed and cancelled deals plus settled volume."),
)

var ToolProposeCounterOffer = mcp.NewTool("propose_counter_offer",
	mcp.WithDescription(
		"Propose a different price on a pending deal you are part of. "+
			"The other party can accept or decline it."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal id")),
	mcp.WithString("price",
		mcp.Required(),
		mcp.Description("Proposed price as a decimal token amount (e.g. '1.25')")),
)

var ToolRespondCounterOffer = mcp.NewTool("respond_counter_offer",
	mcp.WithDescription(
		"Accept or decline the counter-offer the other party proposed. "+
			"Accepting replaces the deal price."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal id")),
	mcp.WithBoolean("accept",
		mcp.Required(),
		mcp.Description("true to accept, false to decline")),
)

var ToolRecoverDeal = mcp.NewTool("recover_stuck_deal",
	mcp.WithDescription(
		"Cancel a deal whose assets are both locked in escrow but never settled, "+
			"returning every deposit to whoever made it. Only a party to the deal may do this."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal id")),
)
