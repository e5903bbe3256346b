// Package protocol holds the event names shared between the service and
// anything subscribing to its bus or notification payloads.
package protocol

// Notification event names.
const (
	EventInboundReceived     = "inbound.received"
	EventAutomationSent      = "automation.sent"
	EventAutomationCancelled = "automation.cancelled"
	EventAutomationFailed    = "automation.failed"
	EventAutomationOptOut    = "automation.opt_out"
)

// Resolve outcomes reported in logs, spans and the resolve endpoint.
const (
	OutcomeProcessed       = "processed"
	OutcomeCancelled       = "cancelled"
	OutcomeFailed          = "failed"
	OutcomeAlreadyResolved = "already_resolved"
	OutcomeNotDue          = "not_due"
	OutcomeRaceLost        = "race_lost"
	OutcomeSuperseded      = "superseded"
)

// Cancellation reasons written to pending_responses.failure_reason.
const (
	ReasonHumanResponded     = "human responded"
	ReasonAutomationDisabled = "automation disabled"
)
