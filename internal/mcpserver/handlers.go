package mcpserver

import (
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

// HandleGetOrder describes one order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}

	var resp struct {
		Order map[string]any `json:"order"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Order == nil {
		return mcp.NewToolResultError("Failed to parse order response"), nil
	}
	return mcp.NewToolResultText(formatOrder(resp.Order)), nil
}

// HandleListOrders lists orders matching the filters.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	party := req.GetString("party", "")
	limit := req.GetInt("limit", 20)

	var flagged *bool
	if f, ok := req.GetArguments()["flagged"].(bool); ok {
		flagged = &f
	}

	raw, err := h.client.ListOrders(ctx, status, party, flagged, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list orders: %v", err)), nil
	}

	var resp struct {
		Orders  []map[string]any `json:"orders"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	if len(resp.Orders) == 0 {
		return mcp.NewToolResultText("No orders found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. %s  %s  %s %s (released %s)",
			i+1, getString(o, "id"), getString(o, "status"),
			getString(o, "total"), getString(o, "currency"), getString(o, "releasedAmount"))
		if flagged, _ := o["flagged"].(bool); flagged {
			sb.WriteString("  [FLAGGED]")
		}
		sb.WriteString("\n")
	}
	if resp.HasMore {
		sb.WriteString("\nMore orders available; narrow the filters or raise the limit.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListReleases lists the release ledger of an order.
func (h *Handlers) HandleListReleases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.ListReleases(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list releases: %v", err)), nil
	}

	var resp struct {
		Releases []map[string]any `json:"releases"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse releases: %v", err)), nil
	}
	if len(resp.Releases) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No funds released yet for order %s.", id)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Releases for order %s:\n\n", id)
	for i, r := range resp.Releases {
		fmt.Fprintf(&sb, "%d. %s  %s to %s  tx %s\n",
			i+1, getString(r, "kind"), getString(r, "amount"),
			getString(r, "recipient"), getString(r, "ledgerTxRef"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetDispute describes one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}

	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Dispute == nil {
		return mcp.NewToolResultError("Failed to parse dispute response"), nil
	}
	return mcp.NewToolResultText(formatDispute(resp.Dispute)), nil
}

// HandleListDisputes lists the dispute history of an order.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.ListDisputes(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	var resp struct {
		Disputes []map[string]any `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	if len(resp.Disputes) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No disputes on order %s.", id)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Disputes on order %s:\n\n", id)
	for i, d := range resp.Disputes {
		fmt.Fprintf(&sb, "%d. %s  %s  %s  claimed %s\n",
			i+1, getString(d, "id"), getString(d, "status"),
			getString(d, "initiatedBy"), getString(d, "amount"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- formatting helpers ---

func formatOrder(o map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\n", getString(o, "id"))
	fmt.Fprintf(&sb, "  Status:   %s\n", getString(o, "status"))
	fmt.Fprintf(&sb, "  Buyer:    %s", getString(o, "buyerId"))
	if bank := getString(o, "buyerBankId"); bank != "" {
		fmt.Fprintf(&sb, " (bank %s)", bank)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Seller:   %s", getString(o, "sellerId"))
	if bank := getString(o, "sellerBankId"); bank != "" {
		fmt.Fprintf(&sb, " (bank %s)", bank)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Total:    %s %s\n", getString(o, "total"), getString(o, "currency"))
	fmt.Fprintf(&sb, "  Released: %s %s\n", getString(o, "releasedAmount"), getString(o, "currency"))

	buyerOK, _ := o["buyerApproved"].(bool)
	sellerOK, _ := o["sellerApproved"].(bool)
	fmt.Fprintf(&sb, "  Approvals: buyer bank %s, seller bank %s\n", yesNo(buyerOK), yesNo(sellerOK))

	if t := getString(o, "trackingId"); t != "" {
		fmt.Fprintf(&sb, "  Tracking: %s\n", t)
	}
	if d := getString(o, "disputeId"); d != "" {
		fmt.Fprintf(&sb, "  Open dispute: %s\n", d)
	}
	if flagged, _ := o["flagged"].(bool); flagged {
		fmt.Fprintf(&sb, "  FLAGGED for manual reconciliation: %s\n", getString(o, "flagReason"))
	}
	return sb.String()
}

func formatDispute(d map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s on order %s\n", getString(d, "id"), getString(d, "orderId"))
	fmt.Fprintf(&sb, "  Status:    %s\n", getString(d, "status"))
	fmt.Fprintf(&sb, "  Raised by: %s (priority %s)\n", getString(d, "initiatedBy"), getString(d, "priority"))
	fmt.Fprintf(&sb, "  Claimed:   %s\n", getString(d, "amount"))
	fmt.Fprintf(&sb, "  Reason:    %s\n", getString(d, "reason"))
	if a := getString(d, "arbitratorId"); a != "" {
		fmt.Fprintf(&sb, "  Arbitrator: %s\n", a)
	}

	if ev, ok := d["evidence"].([]any); ok && len(ev) > 0 {
		fmt.Fprintf(&sb, "  Evidence (%d):\n", len(ev))
		for _, e := range ev {
			if m, ok := e.(map[string]any); ok {
				fmt.Fprintf(&sb, "    - %s: %s\n", getString(m, "submittedBy"), getString(m, "description"))
			}
		}
	}

	if r, ok := d["ruling"].(map[string]any); ok {
		fmt.Fprintf(&sb, "  Ruling: %s", getString(r, "rulingType"))
		if amt := getString(r, "amount"); amt != "" {
			fmt.Fprintf(&sb, " (%s to buyer)", amt)
		}
		sb.WriteString("\n")
		if reasoning := getString(r, "reasoning"); reasoning != "" {
			fmt.Fprintf(&sb, "    %s\n", reasoning)
		}
		settled, _ := d["settled"].(bool)
		fmt.Fprintf(&sb, "  Settled: %s\n", yesNo(settled))
	}
	return sb.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
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
