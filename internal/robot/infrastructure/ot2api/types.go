package ot2api

import (
	"encoding/json"
	"time"

	robot "ot2-driver/internal/robot/domain"
)

// Lights is the robot rail light state.
type Lights struct {
	On bool `json:"on"`
}

// Protocol is an uploaded protocol as described by the server.
type Protocol struct {
	ID           string         `json:"id"`
	ProtocolType string         `json:"protocolType"`
	Files        []ProtocolFile `json:"files"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// ProtocolFile is one file of an uploaded protocol.
type ProtocolFile struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// ActionResult reports the outcome of posting a run action. A response
// other than 201 is a rejection, not an error.
type ActionResult struct {
	ActionID   string
	Action     robot.Action
	Accepted   bool
	StatusCode int
	Detail     string
}

// Health is the subset of GET /health used for reachability checks.
type Health struct {
	Name            string `json:"name"`
	APIVersion      string `json:"api_version"`
	FirmwareVersion string `json:"fw_version"`
	RobotModel      string `json:"robot_model"`
	RobotSerial     string `json:"robot_serial"`
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type runData struct {
	ID         string           `json:"id"`
	ProtocolID string           `json:"protocolId,omitempty"`
	Status     string           `json:"status"`
	Current    bool             `json:"current"`
	CreatedAt  time.Time        `json:"createdAt"`
	Errors     []robot.RunError `json:"errors,omitempty"`
}

func (d runData) toRun() robot.Run {
	status, _ := robot.ParseRunStatus(d.Status)
	return robot.Run{
		ID:         d.ID,
		ProtocolID: d.ProtocolID,
		Status:     status,
		RawStatus:  d.Status,
		Current:    d.Current,
		CreatedAt:  d.CreatedAt,
		Errors:     d.Errors,
	}
}

type createRunRequest struct {
	ProtocolID string `json:"protocolId,omitempty"`
}

type actionRequest struct {
	ActionType robot.Action `json:"actionType"`
}

type actionData struct {
	ID         string       `json:"id"`
	ActionType robot.Action `json:"actionType"`
}

type commandRequest struct {
	CommandType string         `json:"commandType"`
	Params      map[string]any `json:"params"`
	Intent      robot.Intent   `json:"intent"`
}

type homeRequest struct {
	Target string      `json:"target"`
	Mount  robot.Mount `json:"mount"`
}

type errorBody struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
	Message string `json:"message"`
}

func errorDetail(body []byte) string {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return truncate(string(body), 256)
	}
	for _, e := range parsed.Errors {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Title != "" {
			return e.Title
		}
	}
	return parsed.Message
}
