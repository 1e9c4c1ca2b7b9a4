package domain

import "time"

// EventType tags push-channel events.
type EventType string

const (
	EventOrderUpdate          EventType = "ORDER_UPDATE"
	EventPartialFill          EventType = "PARTIAL_FILL"
	EventFill                 EventType = "FILL"
	EventPositionUpdate       EventType = "POSITION_UPDATE"
	EventPositionClosed       EventType = "POSITION_CLOSED"
	EventPositionCleanup      EventType = "POSITION_CLEANUP"
	EventStopTriggered        EventType = "STOP_TRIGGERED"
	EventTakeProfitTriggered  EventType = "TAKE_PROFIT_TRIGGERED"
	EventCancelled            EventType = "CANCELLED"
	EventRejected             EventType = "REJECTED"
	EventHeartbeat            EventType = "HEARTBEAT"
	EventShutdown             EventType = "SHUTDOWN"
)

// Event is one state transition delivered to push-channel subscribers and
// persisted for the read-side query API.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"event_type"`
	StrategyID  string         `json:"strategy_id"`
	OrderRef    string         `json:"order_ref,omitempty"`
	PositionRef string         `json:"position_ref,omitempty"`
	LegRef      string         `json:"sub_order_ref,omitempty"`
	State       string         `json:"state,omitempty"`
	Reason      ReasonCode     `json:"reason,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}
