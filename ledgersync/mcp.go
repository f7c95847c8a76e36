package ledgersync

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sheetledger/kit"
)

// RegisterMCP registers the operator tools on an MCP server. MCP sessions
// carry no credentials: every call runs as operator, the identity the
// server process was started for.
func (svc *Service) RegisterMCP(srv *mcp.Server, operator string) {
	ep := svc.endpoints
	reg := kit.MCPRegistrar{Server: srv, Actor: operator}
	str := func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
	num := func(desc string) map[string]any { return map[string]any{"type": "integer", "description": desc} }
	flag := func(desc string) map[string]any { return map[string]any{"type": "boolean", "description": desc} }
	list := func(desc string) map[string]any {
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
	}

	tools := []struct {
		tool     *mcp.Tool
		endpoint kit.Endpoint
		decode   kit.MCPDecoder
	}{
		{&mcp.Tool{
			Name:        "sheetledger_submit_sync",
			Description: "Queue a manual, high-priority sync of a department sheet",
			InputSchema: inputSchema(map[string]any{
				"sheet_id": str("Sheet ID"),
				"reason":   str("Why the sync is requested"),
				"periods":  list("Periods (YYYY-MM) to reconcile, even if locked; default current and previous"),
			}, []string{"sheet_id"}),
		}, ep.submitSync, kit.DecodeArgs[syncRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_health",
			Description: "Pipeline health: queue depth, quota usage, circuits, cache stats, open alerts",
			InputSchema: inputSchema(map[string]any{}, nil),
		}, ep.health, kit.DecodeArgs[emptyRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_list_queue",
			Description: "List waiting and running sync jobs in claim order",
			InputSchema: inputSchema(map[string]any{}, nil),
		}, ep.listQueue, kit.DecodeArgs[emptyRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_pause_queue",
			Description: "Stop the sync worker from claiming jobs",
			InputSchema: inputSchema(map[string]any{}, nil),
		}, ep.pauseQueue, kit.DecodeArgs[emptyRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_resume_queue",
			Description: "Let the sync worker claim jobs again",
			InputSchema: inputSchema(map[string]any{}, nil),
		}, ep.resumeQueue, kit.DecodeArgs[emptyRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_reset_circuit",
			Description: "Close the circuit of a sheet after fixing the cause of its failures",
			InputSchema: inputSchema(map[string]any{"sheet_id": str("Sheet ID")}, []string{"sheet_id"}),
		}, ep.resetCircuit, kit.DecodeArgs[sheetRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_invalidate_cache",
			Description: "Forget change-detection digests so every period of a sheet is read again",
			InputSchema: inputSchema(map[string]any{"sheet_id": str("Sheet ID")}, []string{"sheet_id"}),
		}, ep.invalidateCache, kit.DecodeArgs[sheetRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_list_runs",
			Description: "List recent sync job attempts, newest first",
			InputSchema: inputSchema(map[string]any{
				"sheet_id": str("Sheet ID (optional)"),
				"limit":    num("Max results (default 50)"),
			}, nil),
		}, ep.listRuns, kit.DecodeArgs[runsRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_list_pending",
			Description: "List transactions awaiting approval",
			InputSchema: inputSchema(map[string]any{"department": str("Department filter (optional)")}, nil),
		}, ep.listPending, kit.DecodeArgs[departmentRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_list_transactions",
			Description: "List staged transactions",
			InputSchema: inputSchema(map[string]any{
				"status":     str("PENDING, APPROVED or REJECTED"),
				"department": str("Department"),
				"sheet_id":   str("Sheet ID"),
				"period":     str("Period YYYY-MM"),
				"limit":      num("Max results"),
			}, nil),
		}, ep.listTransactions, kit.DecodeArgs[transactionsRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_approve",
			Description: "Approve a pending transaction and promote it into the ledger",
			InputSchema: inputSchema(map[string]any{
				"id":                 str("Transaction ID"),
				"fund_id":            str("Fund to charge"),
				"account_id":         str("Account within the fund (optional)"),
				"corrected_category": str("Category override (optional)"),
			}, []string{"id", "fund_id"}),
		}, ep.approve, kit.DecodeArgs[approveRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_reject",
			Description: "Reject a pending transaction",
			InputSchema: inputSchema(map[string]any{
				"id":     str("Transaction ID"),
				"reason": str("Rejection reason"),
			}, []string{"id", "reason"}),
		}, ep.reject, kit.DecodeArgs[rejectRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_bulk_approve",
			Description: "Approve several pending transactions against the same fund",
			InputSchema: inputSchema(map[string]any{
				"ids":                list("Transaction IDs"),
				"fund_id":            str("Fund to charge"),
				"account_id":         str("Account within the fund (optional)"),
				"corrected_category": str("Category override (optional)"),
			}, []string{"ids", "fund_id"}),
		}, ep.bulkApprove, kit.DecodeArgs[bulkApproveRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_list_anomalies",
			Description: "List anomalies flagged on staged transactions",
			InputSchema: inputSchema(map[string]any{
				"transaction_id":  str("Transaction ID"),
				"type":            str("Anomaly type"),
				"min_severity":    str("LOW, MEDIUM or HIGH"),
				"include_ignored": flag("Include dismissed anomalies"),
				"limit":           num("Max results"),
			}, nil),
		}, ep.listAnomalies, kit.DecodeArgs[anomaliesRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_ignore_anomaly",
			Description: "Dismiss an anomaly",
			InputSchema: inputSchema(map[string]any{"id": str("Anomaly ID")}, []string{"id"}),
		}, ep.ignoreAnomaly, kit.DecodeArgs[idRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_send_digest",
			Description: "Send the anomaly digest of a day now",
			InputSchema: inputSchema(map[string]any{"day": str("Day YYYY-MM-DD (default today)")}, nil),
		}, ep.sendDigest, kit.DecodeArgs[digestRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_lock_period",
			Description: "Lock a past period of a sheet",
			InputSchema: inputSchema(map[string]any{
				"sheet_id": str("Sheet ID"),
				"period":   str("Period YYYY-MM"),
			}, []string{"sheet_id", "period"}),
		}, ep.lock, kit.DecodeArgs[periodRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_unlock_period",
			Description: "Lift the lock of a period permanently",
			InputSchema: inputSchema(map[string]any{
				"sheet_id": str("Sheet ID"),
				"period":   str("Period YYYY-MM"),
			}, []string{"sheet_id", "period"}),
		}, ep.unlock, kit.DecodeArgs[periodRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_list_locks",
			Description: "List period locks",
			InputSchema: inputSchema(map[string]any{"sheet_id": str("Sheet ID (optional)")}, nil),
		}, ep.listLocks, kit.DecodeArgs[sheetRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_request_unlock",
			Description: "Ask for a time-boxed unlock of a locked period",
			InputSchema: inputSchema(map[string]any{
				"sheet_id": str("Sheet ID"),
				"period":   str("Period YYYY-MM"),
				"reason":   str("Why the period must be edited"),
			}, []string{"sheet_id", "period", "reason"}),
		}, ep.requestUnlock, kit.DecodeArgs[unlockRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_approve_unlock",
			Description: "Grant a pending unlock request",
			InputSchema: inputSchema(map[string]any{"id": str("Unlock request ID")}, []string{"id"}),
		}, ep.approveUnlock, kit.DecodeArgs[idRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_list_unlock_requests",
			Description: "List unlock requests by state",
			InputSchema: inputSchema(map[string]any{"status": str("pending, approved or expired (default pending)")}, nil),
		}, ep.listUnlockRequests, kit.DecodeArgs[statusRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_sweep",
			Description: "Close expired unlock windows now",
			InputSchema: inputSchema(map[string]any{}, nil),
		}, ep.sweep, kit.DecodeArgs[emptyRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_register_sheet",
			Description: "Register or update a department sheet",
			InputSchema: inputSchema(map[string]any{
				"id":             str("Sheet ID"),
				"spreadsheet_id": str("Provider spreadsheet ID"),
				"department":     str("Department"),
				"active":         flag("Whether periodic syncs run (default true)"),
			}, []string{"id", "spreadsheet_id", "department"}),
		}, ep.registerSheet, kit.DecodeArgs[registerSheetRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_list_sheets",
			Description: "List registered sheets",
			InputSchema: inputSchema(map[string]any{"active_only": flag("Only active sheets")}, nil),
		}, ep.listSheets, kit.DecodeArgs[listSheetsRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_set_budget",
			Description: "Set the monthly budget of a department",
			InputSchema: inputSchema(map[string]any{
				"department": str("Department"),
				"period":     str("Period YYYY-MM"),
				"amount":     str("Decimal amount"),
			}, []string{"department", "period", "amount"}),
		}, ep.setBudget, kit.DecodeArgs[budgetRequest]},
		{&mcp.Tool{
			Name:        "sheetledger_audit_log",
			Description: "Query the audit journal",
			InputSchema: inputSchema(map[string]any{
				"action":    str("Action"),
				"entity_id": str("Entity ID"),
				"actor":     str("Actor"),
				"limit":     num("Max results"),
			}, nil),
		}, ep.auditLog, kit.DecodeArgs[auditRequest]},
	}
	for _, t := range tools {
		reg.Add(t.tool, t.endpoint, t.decode)
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
