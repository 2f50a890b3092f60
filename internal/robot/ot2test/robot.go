// Package ot2test provides an in-memory OT-2 HTTP API for tests and offline
// runs. It implements the endpoints the driver consumes and applies the
// play/pause/stop transitions a real robot reports.
package ot2test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	robot "ot2-driver/internal/robot/domain"
)

// Request is one received request, recorded before it is handled.
type Request struct {
	Method  string
	Path    string
	Version string
	Body    []byte
}

type protocolState struct {
	ID        string
	Filename  string
	Size      int
	CreatedAt time.Time
}

type commandState struct {
	ID          string
	CommandType string
	Params      map[string]any
	Intent      string
	Status      string
	CreatedAt   time.Time
}

type runState struct {
	ID         string
	ProtocolID string
	Status     string
	CreatedAt  time.Time
	Script     []string
	Polls      int
	StopSeen   bool
	ErrorText  string
	Commands   []*commandState
}

type dropRule struct {
	method    string
	path      string
	remaining int
}

type failRule struct {
	method    string
	path      string
	status    int
	remaining int
}

type rejectRule struct {
	status    int
	remaining int
}

// Robot is a fake OT-2 implementing http.Handler.
type Robot struct {
	mu sync.Mutex

	protocolSeq int
	runSeq      int
	commandSeq  int
	actionSeq   int
	errorSeq    int

	protocolIDs []string
	runIDs      []string

	protocols     map[string]*protocolState
	protocolOrder []string
	runs          map[string]*runState
	runOrder      []string
	currentRun    string
	lights        bool

	autoComplete int
	requests     []Request
	drops        []*dropRule
	failures     []*failRule
	rejections   map[robot.Action]*rejectRule

	mux *http.ServeMux
}

// NewRobot constructs an empty fake robot.
func NewRobot() *Robot {
	r := &Robot{
		protocols:  make(map[string]*protocolState),
		runs:       make(map[string]*runState),
		rejections: make(map[robot.Action]*rejectRule),
		mux:        http.NewServeMux(),
	}
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /robot/lights", r.handleGetLights)
	r.mux.HandleFunc("POST /robot/lights", r.handleSetLights)
	r.mux.HandleFunc("POST /robot/home", r.handleHome)
	r.mux.HandleFunc("GET /robot/positions", r.handlePositions)
	r.mux.HandleFunc("POST /protocols", r.handleUploadProtocol)
	r.mux.HandleFunc("GET /protocols", r.handleListProtocols)
	r.mux.HandleFunc("GET /protocols/{id}", r.handleGetProtocol)
	r.mux.HandleFunc("DELETE /protocols/{id}", r.handleDeleteProtocol)
	r.mux.HandleFunc("POST /runs", r.handleCreateRun)
	r.mux.HandleFunc("GET /runs", r.handleListRuns)
	r.mux.HandleFunc("GET /runs/{id}", r.handleGetRun)
	r.mux.HandleFunc("DELETE /runs/{id}", r.handleDeleteRun)
	r.mux.HandleFunc("POST /runs/{id}/actions", r.handleAction)
	r.mux.HandleFunc("POST /runs/{id}/commands", r.handleEnqueueCommand)
	r.mux.HandleFunc("GET /runs/{id}/commands", r.handleListCommands)
	return r
}

// Server couples a fake robot with an httptest server.
type Server struct {
	*httptest.Server
	Robot *Robot
}

// NewServer starts a fake robot on a loopback port.
func NewServer() *Server {
	rb := NewRobot()
	return &Server{Server: httptest.NewServer(rb), Robot: rb}
}

// ServeHTTP records the request, applies injected faults and dispatches.
func (r *Robot) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))

	r.mu.Lock()
	r.requests = append(r.requests, Request{
		Method:  req.Method,
		Path:    req.URL.Path,
		Version: req.Header.Get("Opentrons-Version"),
		Body:    body,
	})
	drop := r.takeDrop(req.Method, req.URL.Path)
	failStatus := r.takeFailure(req.Method, req.URL.Path)
	r.mu.Unlock()

	// Never reuse connections so dropped requests are not replayed by the
	// client transport.
	w.Header().Set("Connection", "close")

	if drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if failStatus != 0 {
		writeError(w, failStatus, "InjectedFailure", "injected failure")
		return
	}
	if req.Header.Get("Opentrons-Version") == "" {
		writeError(w, http.StatusBadRequest, "OutdatedAPIVersion", "Opentrons-Version header required")
		return
	}
	r.mux.ServeHTTP(w, req)
}

// QueueProtocolIDs makes the next uploads return the given ids.
func (r *Robot) QueueProtocolIDs(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocolIDs = append(r.protocolIDs, ids...)
}

// QueueRunIDs makes the next created runs use the given ids.
func (r *Robot) QueueRunIDs(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runIDs = append(r.runIDs, ids...)
}

// ScriptStatuses makes successive GETs of a run report the given statuses.
// The last status sticks. Posting stop discards the rest of the script.
func (r *Robot) ScriptStatuses(runID string, statuses ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.ensureRunLocked(runID)
	run.Script = append([]string(nil), statuses...)
}

// AddRun seeds a run with an explicit status.
func (r *Robot) AddRun(runID, protocolID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.ensureRunLocked(runID)
	run.ProtocolID = protocolID
	run.Status = status
}

// SetRunError sets the error detail reported when the run is failed.
func (r *Robot) SetRunError(runID, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureRunLocked(runID).ErrorText = detail
}

// SetAutoComplete makes running runs move to finishing after polls GETs
// and to succeeded on the GET after that. Zero disables it.
func (r *Robot) SetAutoComplete(polls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoComplete = polls
}

// DropConnections closes the connection without a response for the next
// times requests matching method and path.
func (r *Robot) DropConnections(method, path string, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drops = append(r.drops, &dropRule{method: method, path: path, remaining: times})
}

// FailRequests answers the next times matching requests with status.
func (r *Robot) FailRequests(method, path string, status, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, &failRule{method: method, path: path, status: status, remaining: times})
}

// RejectAction answers the next times posts of action with status.
func (r *Robot) RejectAction(action robot.Action, status, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections[action] = &rejectRule{status: status, remaining: times}
}

// Requests returns a copy of the request journal.
func (r *Robot) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, len(r.requests))
	copy(out, r.requests)
	return out
}

// CountRequests counts journaled requests matching method and path.
func (r *Robot) CountRequests(method, path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, req := range r.requests {
		if req.Method == method && req.Path == path {
			count++
		}
	}
	return count
}

// Actions returns the action types posted to a run, in order.
func (r *Robot) Actions(runID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := "/runs/" + runID + "/actions"
	var out []string
	for _, req := range r.requests {
		if req.Method != http.MethodPost || req.Path != path {
			continue
		}
		var payload struct {
			Data struct {
				ActionType string `json:"actionType"`
			} `json:"data"`
		}
		if err := json.Unmarshal(req.Body, &payload); err == nil {
			out = append(out, payload.Data.ActionType)
		}
	}
	return out
}

// RunStatus returns the stored status of a run.
func (r *Robot) RunStatus(runID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		return run.Status
	}
	return ""
}

// HasRun reports whether a run exists.
func (r *Robot) HasRun(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[runID]
	return ok
}

// HasProtocol reports whether a protocol exists.
func (r *Robot) HasProtocol(protocolID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.protocols[protocolID]
	return ok
}

// Lights returns the light state.
func (r *Robot) Lights() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lights
}

func (r *Robot) takeDrop(method, path string) bool {
	for _, rule := range r.drops {
		if rule.remaining > 0 && rule.method == method && rule.path == path {
			rule.remaining--
			return true
		}
	}
	return false
}

func (r *Robot) takeFailure(method, path string) int {
	for _, rule := range r.failures {
		if rule.remaining > 0 && rule.method == method && rule.path == path {
			rule.remaining--
			return rule.status
		}
	}
	return 0
}

func (r *Robot) ensureRunLocked(runID string) *runState {
	if run, ok := r.runs[runID]; ok {
		return run
	}
	run := &runState{ID: runID, Status: string(robot.RunIdle), CreatedAt: time.Now().UTC()}
	r.runs[runID] = run
	r.runOrder = append(r.runOrder, runID)
	return run
}

func (r *Robot) nextProtocolIDLocked() string {
	if len(r.protocolIDs) > 0 {
		id := r.protocolIDs[0]
		r.protocolIDs = r.protocolIDs[1:]
		return id
	}
	r.protocolSeq++
	return fmt.Sprintf("protocol_%d", r.protocolSeq)
}

func (r *Robot) nextRunIDLocked() string {
	if len(r.runIDs) > 0 {
		id := r.runIDs[0]
		r.runIDs = r.runIDs[1:]
		return id
	}
	r.runSeq++
	return fmt.Sprintf("run_%d", r.runSeq)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, title, detail string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]string{{"id": title, "title": title, "detail": detail}},
	})
}
