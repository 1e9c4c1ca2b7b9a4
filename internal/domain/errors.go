package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrValidation      = errors.New("validation failed")
	ErrOverAllocated   = errors.New("allocation exceeds position quantity")
	ErrDuplicateIntent = errors.New("idempotency key reused with different payload")
	ErrPositionClosed  = errors.New("position closed")
	ErrManualReview    = errors.New("ambiguous execution outcome requires manual review")
	ErrConsistency     = errors.New("ledger/state invariant violated")
	ErrDataGap         = errors.New("market price unavailable")
	ErrWSDisconnect    = errors.New("websocket disconnected")
)

// ReasonCode is the machine-readable reason attached to user-visible
// failures and cancellations.
type ReasonCode string

const (
	ReasonInvalidSchema        ReasonCode = "INVALID_SCHEMA"
	ReasonAuthFailed           ReasonCode = "AUTH_FAILED"
	ReasonClockSkew            ReasonCode = "CLOCK_SKEW"
	ReasonDuplicateKey         ReasonCode = "DUPLICATE_IDEMPOTENCY_KEY"
	ReasonDuplicateIntent      ReasonCode = "DUPLICATE_INTENT"
	ReasonOverAllocated        ReasonCode = "OVER_ALLOCATED"
	ReasonUnknownTrigger       ReasonCode = "UNKNOWN_TRIGGER"
	ReasonUnknownAction        ReasonCode = "UNKNOWN_ACTION"
	ReasonBrokerRejected       ReasonCode = "BROKER_REJECTED"
	ReasonRequiresManualReview ReasonCode = "REQUIRES_MANUAL_REVIEW"
	ReasonPositionClosed       ReasonCode = "POSITION_CLOSED"
	ReasonPlanReplaced         ReasonCode = "PLAN_REPLACED"
	ReasonExplicitCancel       ReasonCode = "EXPLICIT_CANCEL"
	ReasonRetriesExhausted     ReasonCode = "RETRIES_EXHAUSTED"
	ReasonConsistency          ReasonCode = "CONSISTENCY_VIOLATION"
	ReasonInternalError        ReasonCode = "INTERNAL_ERROR"
)
