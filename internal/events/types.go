package events

// Event enumerates bus topics used by this execution core.
//
// Re-typed from the teacher's price/strategy-oriented enum (EventPriceTick,
// EventStrategySignal, ...) to the domain this spec covers: ledger events,
// execution reports, UDS divergence, AWG circuit transitions, SSOT repairs,
// hedge fills, and risk-breaker trips.
type Event string

const (
	// EventOrderEvent carries an OrderEvent appended to the Event Ledger.
	EventOrderEvent Event = "order_event"
	// EventExecReport carries a normalized ExecutionReport from UDS.
	EventExecReport Event = "exec_report"
	// EventBalanceSnapshot carries a per-asset balance snapshot from UDS.
	EventBalanceSnapshot Event = "balance_snapshot"
	// EventDivergence fires when UDS audit detects main/audit divergence.
	EventDivergence Event = "divergence"
	// EventCircuitState fires on AWG circuit-breaker state transitions.
	EventCircuitState Event = "circuit_state"
	// EventSSOTRepair fires when the three-way audit triggers a repair.
	EventSSOTRepair Event = "ssot_repair"
	// EventFillForHedge carries a FillEvent destined for the Hedge Bridge.
	EventFillForHedge Event = "fill_for_hedge"
	// EventRiskBreakerTrip fires when the Metrics & Risk Breaker opens.
	EventRiskBreakerTrip Event = "risk_breaker_trip"
)
