package model

import (
	"fmt"
	"time"
)

// EventType names a notable simulation occurrence.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventDrugDelivered EventType = "drug_delivered"
	EventCellKilled    EventType = "cell_killed"
	EventAgentReloaded EventType = "agent_reloaded"
	EventRunCompleted  EventType = "run_completed"
)

// Event is one entry of a run's event log. AgentID and CellID are -1 when
// not applicable.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Tick      int       `json:"tick"`
	Time      float64   `json:"time"`
	AgentID   int       `json:"agent_id"`
	CellID    int       `json:"cell_id"`
	Position  *Point    `json:"position,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// String renders the event as a single log line.
func (e Event) String() string {
	switch e.Type {
	case EventDrugDelivered:
		return fmt.Sprintf("tick %d: nanobot %d delivered %.1f drug to cell %d", e.Tick, e.AgentID, e.Amount, e.CellID)
	case EventCellKilled:
		return fmt.Sprintf("tick %d: cell %d killed (%s)", e.Tick, e.CellID, e.Detail)
	case EventAgentReloaded:
		return fmt.Sprintf("tick %d: nanobot %d reloaded to %.1f", e.Tick, e.AgentID, e.Amount)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("tick %d: %s: %s", e.Tick, e.Type, e.Detail)
		}
		return fmt.Sprintf("tick %d: %s", e.Tick, e.Type)
	}
}
