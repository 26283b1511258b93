package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is a trace point emitted by the simulation
type Event struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	RunID     uuid.UUID   `json:"runId" db:"run_id"`
	CreatedAt time.Time   `json:"createdAt" db:"created_at"`
	SimTime   SimDuration `json:"simTime" db:"sim_time"`

	Type      EventType  `json:"type" db:"type"`
	Level     EventLevel `json:"level" db:"level"`
	DevAddr   string     `json:"devAddr,omitempty" db:"dev_addr"`
	GatewayID string     `json:"gatewayId,omitempty" db:"gateway_id"`

	Description string    `json:"description,omitempty" db:"description"`
	Details     Variables `json:"details,omitempty" db:"details"`
}

// NewEvent creates an event stamped with the current wall clock and the given simulated time
func NewEvent(runID uuid.UUID, simTime time.Duration, typ EventType, level EventLevel) *Event {
	return &Event{
		ID:        uuid.New(),
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
		SimTime:   SimDuration(simTime),
		Type:      typ,
		Level:     level,
		Details:   Variables{},
	}
}

// EventType represents event types
type EventType string

const (
	// Network server events
	EventTypeDSMsgGenerated   EventType = "DS_MSG_GENERATED"
	EventTypeDSMsgTransmitted EventType = "DS_MSG_TRANSMITTED"
	EventTypeDSMsgAckd        EventType = "DS_MSG_ACKD"
	EventTypeDSMsgDropped     EventType = "DS_MSG_DROPPED"
	EventTypeUSMsgReceived    EventType = "US_MSG_RECEIVED"
	EventTypeBeaconSent       EventType = "BEACON_SENT"

	// End device events
	EventTypeUSMsgTransmitted EventType = "US_MSG_TRANSMITTED"
	EventTypeDSMsgReceived    EventType = "DS_MSG_RECEIVED"
	EventTypeClassBReverted   EventType = "CLASS_B_REVERTED"

	// System events
	EventTypeRunStarted  EventType = "RUN_STARTED"
	EventTypeRunFinished EventType = "RUN_FINISHED"
	EventTypeError       EventType = "ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
