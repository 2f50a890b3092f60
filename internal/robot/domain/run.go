package robot

import (
	"encoding/json"
	"time"
)

// Action is a one-shot control verb applied to a run.
type Action string

const (
	ActionPlay  Action = "play"
	ActionPause Action = "pause"
	ActionStop  Action = "stop"
)

// Intent tells the server how an enqueued command relates to the run.
type Intent string

const (
	IntentSetup    Intent = "setup"
	IntentProtocol Intent = "protocol"
)

// Mount selects a pipette mount.
type Mount string

const (
	MountLeft  Mount = "left"
	MountRight Mount = "right"
)

// ParseMount validates a mount name.
func ParseMount(value string) (Mount, bool) {
	switch Mount(value) {
	case MountLeft, MountRight:
		return Mount(value), true
	default:
		return "", false
	}
}

// Run is the last observed state of a server-side run.
type Run struct {
	ID         string     `json:"id"`
	ProtocolID string     `json:"protocol_id,omitempty"`
	Status     RunStatus  `json:"status"`
	RawStatus  string     `json:"raw_status"`
	Current    bool       `json:"current"`
	CreatedAt  time.Time  `json:"created_at"`
	Errors     []RunError `json:"errors,omitempty"`
}

// RunError is an error reported by the server inside a run representation.
type RunError struct {
	ID        string `json:"id"`
	ErrorType string `json:"errorType"`
	Detail    string `json:"detail"`
}

// ErrorMessage returns the first server-reported error detail, if any.
func (r Run) ErrorMessage() string {
	for _, e := range r.Errors {
		if e.Detail != "" {
			return e.Detail
		}
		if e.ErrorType != "" {
			return e.ErrorType
		}
	}
	return ""
}

// Command is a typed instruction enqueued on a run.
type Command struct {
	ID          string          `json:"id"`
	CommandType string          `json:"commandType"`
	Status      string          `json:"status"`
	Intent      Intent          `json:"intent,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

// RunRecord is returned when a wait loop reaches a terminal status.
type RunRecord struct {
	Run      Run       `json:"run"`
	Commands []Command `json:"commands"`
	Error    string    `json:"error,omitempty"`
}

// Succeeded reports whether the run ended successfully.
func (r RunRecord) Succeeded() bool {
	return r.Run.Status == RunSucceeded
}
