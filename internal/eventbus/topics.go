package eventbus

// Event types published by the relay.
const (
	CycleStarted     = "cycle.started"
	CycleFinished    = "cycle.finished"
	MessageDelivered = "message.delivered"
	MessageFailed    = "message.failed"
	SchedulerState   = "scheduler.state"
	LedgerMaintained = "ledger.maintained"
)
