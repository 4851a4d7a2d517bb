package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Get a trade order held in escrow: parties, banks, total, status, "+
			"approvals, amount released so far and any open dispute."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID (e.g. 'ord_...')")),
)

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription(
		"List escrow orders, newest first. Filter by lifecycle status, by a participant "+
			"(buyer, seller or bank id), or to orders flagged for manual reconciliation."),
	mcp.WithString("status",
		mcp.Description("Lifecycle status filter"),
		mcp.Enum("BANK_REVIEW", "IN_TRANSIT", "DELIVERED", "DISPUTED", "CANCELLED")),
	mcp.WithString("party",
		mcp.Description("Buyer, seller or bank id participating in the order")),
	mcp.WithBoolean("flagged",
		mcp.Description("Only orders flagged (true) or not flagged (false) for manual review")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolListReleases = mcp.NewTool("list_releases",
	mcp.WithDescription(
		"List every release of escrowed funds recorded for an order: kind, amount, "+
			"recipient and ledger transaction reference."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Get a dispute: reason, assigned arbitrator, submitted evidence, ruling and settlement status."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
)

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription("List every dispute ever opened on an order, including resolved ones."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)
