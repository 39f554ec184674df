package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetDeal returns one deal.
func (h *Handlers) HandleGetDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("deal_id", "")
	if id == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.GetDeal(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get deal: %v", err)), nil
	}

	text, err := formatDealResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListDeals lists a wallet's deals.
func (h *Handlers) HandleListDeals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", h.client.Address())
	if address == "" {
		return mcp.NewToolResultError("address is required when no wallet key is configured"), nil
	}
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListDeals(ctx, address, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list deals: %v", err)), nil
	}

	text, err := formatDealList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deals: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDealActivity returns a deal's history.
func (h *Handlers) HandleGetDealActivity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("deal_id", "")
	if id == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.GetActivity(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get activity: %v", err)), nil
	}

	text, err := formatActivity(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse activity: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetCustodyDeal returns the custody view of a linked deal.
func (h *Handlers) HandleGetCustodyDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetInt("onchain_deal_id", -1)
	if id < 0 {
		return mcp.NewToolResultError("onchain_deal_id is required"), nil
	}

	raw, err := h.client.GetCustodyDeal(ctx, uint64(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read custody: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Custody deal %d:\n%s", id, formatJSON(raw))), nil
}

// HandleGetPlatformStats returns registry counters.
func (h *Handlers) HandleGetPlatformStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPlatformStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleProposeCounterOffer proposes a new price.
func (h *Handlers) HandleProposeCounterOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("deal_id", "")
	if id == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}
	price := req.GetString("price", "")
	if price == "" {
		return mcp.NewToolResultError("price is required"), nil
	}

	raw, err := h.client.ProposeCounterOffer(ctx, id, price)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Counter-offer failed: %v", err)), nil
	}

	text, err := formatDealResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Counter-offer of %s proposed.\n\n%s", price, text)), nil
}

// HandleRespondCounterOffer accepts or declines the open counter-offer.
func (h *Handlers) HandleRespondCounterOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("deal_id", "")
	if id == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}
	accept := req.GetBool("accept", false)

	raw, err := h.client.RespondCounterOffer(ctx, id, accept)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Response failed: %v", err)), nil
	}

	text, err := formatDealResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}
	verdict := "declined"
	if accept {
		verdict = "accepted"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Counter-offer %s.\n\n%s", verdict, text)), nil
}

// HandleRecoverDeal cancels a stuck deal and reports the refunds.
func (h *Handlers) HandleRecoverDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("deal_id", "")
	if id == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.RecoverDeal(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Recovery failed: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse recovery: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Deal cancelled in escrow.\n")
	if refunds, ok := resp["refunds"].([]any); ok {
		for _, r := range refunds {
			m, _ := r.(map[string]any)
			fmt.Fprintf(&sb, "  Refund %s to %s\n", getString(m, "leg"), getString(m, "to"))
		}
	}
	if synced, ok := resp["mirrorSynced"].(bool); ok && !synced {
		sb.WriteString("Note: the deal record has not caught up yet; an operator will resync it.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatters ---

func formatDealResponse(raw json.RawMessage) (string, error) {
	var resp struct {
		Deal map[string]any `json:"deal"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Deal == nil {
		return "", fmt.Errorf("no deal in response")
	}
	return formatDeal(resp.Deal), nil
}

func formatDeal(d map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Deal %s (%s)\n", getString(d, "id"), getString(d, "type"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(d, "status"))
	fmt.Fprintf(&sb, "  Creator: %s\n", getString(d, "creatorAddress"))
	if v := getString(d, "counterpartyAddress"); v != "" {
		fmt.Fprintf(&sb, "  Counterparty: %s\n", v)
	}
	fmt.Fprintf(&sb, "  NFT: %s #%s\n", getString(d, "nftContractAddress"), getString(d, "nftTokenId"))
	if v := getString(d, "swapNftContract"); v != "" {
		fmt.Fprintf(&sb, "  Swap NFT: %s #%s\n", v, getString(d, "swapTokenId"))
	}
	if v := getString(d, "price"); v != "" {
		fmt.Fprintf(&sb, "  Price: %s\n", v)
	}
	fmt.Fprintf(&sb, "  Deposits: creator=%v counterparty=%v\n", d["creatorDeposited"], d["counterpartyDeposited"])
	if v := getString(d, "onchainDealId"); v != "" {
		fmt.Fprintf(&sb, "  On-chain deal: %s (escrow %s)\n", v, getString(d, "escrowContractAddress"))
	}
	if v := getString(d, "counterOfferStatus"); v != "" {
		fmt.Fprintf(&sb, "  Counter-offer: %s by %s (%s)\n", getString(d, "counterOfferPrice"), getString(d, "counterOfferBy"), v)
	}
	return sb.String()
}

func formatDealList(raw json.RawMessage) (string, error) {
	var resp struct {
		Deals []map[string]any `json:"deals"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Deals) == 0 {
		return "No deals found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d deal(s):\n\n", len(resp.Deals))
	for i, d := range resp.Deals {
		fmt.Fprintf(&sb, "%d. %s %s %s #%s", i+1, getString(d, "id"), getString(d, "type"),
			getString(d, "nftContractAddress"), getString(d, "nftTokenId"))
		if v := getString(d, "price"); v != "" {
			fmt.Fprintf(&sb, " for %s", v)
		}
		fmt.Fprintf(&sb, " [%s]\n", getString(d, "status"))
	}
	return sb.String(), nil
}

func formatActivity(raw json.RawMessage) (string, error) {
	var resp struct {
		Activity []map[string]any `json:"activity"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Activity) == 0 {
		return "No activity recorded.", nil
	}

	var sb strings.Builder
	for _, a := range resp.Activity {
		fmt.Fprintf(&sb, "%s  %s by %s: %s -> %s", getString(a, "createdAt"), getString(a, "action"),
			getString(a, "actor"), getString(a, "fromStatus"), getString(a, "toStatus"))
		if v := getString(a, "transactionHash"); v != "" {
			fmt.Fprintf(&sb, " (tx %s)", v)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatStats(raw json.RawMessage) (string, error) {
	var resp struct {
		Stats map[string]any `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Stats == nil {
		return "", fmt.Errorf("no stats in response")
	}
	s := resp.Stats

	var sb strings.Builder
	sb.WriteString("Escrow statistics:\n")
	fmt.Fprintf(&sb, "  Total deals: %s\n", getString(s, "totalDeals"))
	fmt.Fprintf(&sb, "  Active: %s\n", getString(s, "activeDeals"))
	fmt.Fprintf(&sb, "  Completed: %s\n", getString(s, "completedDeals"))
	fmt.Fprintf(&sb, "  Cancelled: %s\n", getString(s, "cancelledDeals"))
	fmt.Fprintf(&sb, "  Settled volume: %s\n", getString(s, "totalVolume"))
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
