package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Get one escrow by ID: parties, amount in satoshis, currency, deposit address, "+
			"status (created/funded/delivered/released/refunded/disputed), attributed UTXOs "+
			"and delivery confirmations."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
)

var ToolListMyEscrows = mcp.NewTool("list_my_escrows",
	mcp.WithDescription(
		"List escrows where you are the creator or the counterparty, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open a new escrow with you as the creator. Returns a fresh deposit address; "+
			"the escrow becomes funded once confirmed deposits to it cover the amount."),
	mcp.WithString("counterparty_id",
		mcp.Required(),
		mcp.Description("Principal of the party who receives the funds on release")),
	mcp.WithNumber("amount_satoshis",
		mcp.Required(),
		mcp.Description("Target amount in satoshis (1 BTC = 100000000)")),
	mcp.WithString("currency",
		mcp.Description("Settlement asset (default BTC)"),
		mcp.Enum("BTC", "ckBTC")),
	mcp.WithNumber("time_lock_unix",
		mcp.Description("Optional unix time after which an unreleased escrow is refunded to you")),
)

var ToolGetBalance = mcp.NewTool("get_balance",
	mcp.WithDescription(
		"Check your BTC and ckBTC wallet balance, including pending deposits."),
)

var ToolGetDepositAddress = mcp.NewTool("get_deposit_address",
	mcp.WithDescription(
		"Get your personal deposit address for a currency. The same address is returned on every call."),
	mcp.WithString("currency",
		mcp.Description("Currency of the address (default BTC)"),
		mcp.Enum("BTC", "ckBTC")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"Confirm that the goods or service behind a funded escrow were delivered. "+
			"Once both parties confirm, the escrow becomes releasable."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolRequestRelease = mcp.NewTool("request_release",
	mcp.WithDescription(
		"Release a delivered escrow: the locked funds are paid to the counterparty "+
			"and any over-funding is returned to the creator."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolMarkDisputed = mcp.NewTool("mark_disputed",
	mcp.WithDescription(
		"Dispute an escrow that has not been settled. A resolver then decides whether "+
			"the funds are released or refunded."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the escrow is disputed")),
)
