package ot2test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	robot "ot2-driver/internal/robot/domain"
)

func (r *Robot) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         "fake-ot2",
		"api_version":  "7.0.0",
		"fw_version":   "v1.1.0",
		"robot_model":  "OT-2 Standard",
		"robot_serial": "OT2FAKE0001",
	})
}

func (r *Robot) handleGetLights(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	on := r.lights
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"on": on})
}

func (r *Robot) handleSetLights(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		On *bool `json:"on"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.On == nil {
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "on is required")
		return
	}
	r.mu.Lock()
	r.lights = *payload.On
	on := r.lights
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"on": on})
}

func (r *Robot) handleHome(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Target string `json:"target"`
		Mount  string `json:"mount"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "invalid json")
		return
	}
	if payload.Target != "robot" && payload.Target != "pipette" {
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "invalid target")
		return
	}
	if _, ok := robot.ParseMount(payload.Mount); !ok && payload.Target == "pipette" {
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "invalid mount")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Homing robot."})
}

func (r *Robot) handlePositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": map[string]any{
			"change_pipette": map[string]any{"target": "mount", "left": []float64{325, 40, 30}, "right": []float64{65, 40, 30}},
			"attach_tip":     map[string]any{"target": "pipette", "point": []float64{200, 90, 150}},
		},
	})
}

func (r *Robot) handleUploadProtocol(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "multipart form required")
		return
	}
	files := req.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "files field required")
		return
	}
	header := files[0]
	f, err := header.Open()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "unreadable file")
		return
	}
	data, _ := io.ReadAll(f)
	_ = f.Close()

	r.mu.Lock()
	protocol := &protocolState{
		ID:        r.nextProtocolIDLocked(),
		Filename:  header.Filename,
		Size:      len(data),
		CreatedAt: time.Now().UTC(),
	}
	r.protocols[protocol.ID] = protocol
	r.protocolOrder = append(r.protocolOrder, protocol.ID)
	payload := protocolJSON(protocol)
	r.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"data": payload})
}

func (r *Robot) handleListProtocols(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	items := make([]map[string]any, 0, len(r.protocolOrder))
	for _, id := range r.protocolOrder {
		if protocol, ok := r.protocols[id]; ok {
			items = append(items, protocolJSON(protocol))
		}
	}
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}

func (r *Robot) handleGetProtocol(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	protocol, ok := r.protocols[req.PathValue("id")]
	var payload map[string]any
	if ok {
		payload = protocolJSON(protocol)
	}
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "ProtocolNotFound", "protocol not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": payload})
}

func (r *Robot) handleDeleteProtocol(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	r.mu.Lock()
	_, ok := r.protocols[id]
	if ok {
		delete(r.protocols, id)
		r.protocolOrder = removeID(r.protocolOrder, id)
	}
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "ProtocolNotFound", "protocol not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nil})
}

func (r *Robot) handleCreateRun(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Data struct {
			ProtocolID string `json:"protocolId"`
		} `json:"data"`
	}
	body, _ := io.ReadAll(req.Body)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "invalid json")
			return
		}
	}

	r.mu.Lock()
	if payload.Data.ProtocolID != "" {
		if _, ok := r.protocols[payload.Data.ProtocolID]; !ok {
			r.mu.Unlock()
			writeError(w, http.StatusNotFound, "ProtocolNotFound", "protocol not found")
			return
		}
	}
	if current, ok := r.runs[r.currentRun]; ok && !robot.RunStatus(current.Status).Terminal() {
		r.mu.Unlock()
		writeError(w, http.StatusConflict, "RunAlreadyActive", "current run is not finished")
		return
	}
	id := r.nextRunIDLocked()
	run := r.ensureRunLocked(id)
	run.ProtocolID = payload.Data.ProtocolID
	r.currentRun = id
	out := r.runJSONLocked(run)
	r.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"data": out})
}

func (r *Robot) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	items := make([]map[string]any, 0, len(r.runOrder))
	for _, id := range r.runOrder {
		if run, ok := r.runs[id]; ok {
			items = append(items, r.runJSONLocked(run))
		}
	}
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}

func (r *Robot) handleGetRun(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	run, ok := r.runs[req.PathValue("id")]
	if !ok {
		r.mu.Unlock()
		writeError(w, http.StatusNotFound, "RunNotFound", "run not found")
		return
	}
	r.advanceLocked(run)
	out := r.runJSONLocked(run)
	r.settleLocked(run)
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (r *Robot) handleDeleteRun(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	r.mu.Lock()
	run, ok := r.runs[id]
	if ok && robot.RunStatus(run.Status).Active() {
		r.mu.Unlock()
		writeError(w, http.StatusConflict, "RunNotIdle", "run is active")
		return
	}
	if ok {
		delete(r.runs, id)
		r.runOrder = removeID(r.runOrder, id)
		if r.currentRun == id {
			r.currentRun = ""
		}
	}
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "RunNotFound", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nil})
}

func (r *Robot) handleAction(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Data struct {
			ActionType robot.Action `json:"actionType"`
		} `json:"data"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "invalid json")
		return
	}
	action := payload.Data.ActionType

	r.mu.Lock()
	run, ok := r.runs[req.PathValue("id")]
	if !ok {
		r.mu.Unlock()
		writeError(w, http.StatusNotFound, "RunNotFound", "run not found")
		return
	}
	if rule, ok := r.rejections[action]; ok && rule.remaining > 0 {
		rule.remaining--
		r.mu.Unlock()
		writeError(w, rule.status, "RunActionNotAllowed", fmt.Sprintf("%s rejected", action))
		return
	}
	status := robot.RunStatus(run.Status)
	accepted := false
	switch action {
	case robot.ActionPlay:
		if status == robot.RunIdle || status == robot.RunPaused {
			run.Status = string(robot.RunRunning)
			for _, cmd := range run.Commands {
				cmd.Status = "succeeded"
			}
			accepted = true
		}
	case robot.ActionPause:
		if status == robot.RunRunning {
			run.Status = string(robot.RunPaused)
			accepted = true
		}
	case robot.ActionStop:
		if !status.Terminal() {
			run.Status = string(robot.RunStopRequested)
			run.Script = nil
			run.StopSeen = false
			accepted = true
		}
	default:
		r.mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "unknown action")
		return
	}
	if !accepted {
		r.mu.Unlock()
		writeError(w, http.StatusConflict, "RunActionNotAllowed", fmt.Sprintf("cannot %s a %s run", action, status))
		return
	}
	r.actionSeq++
	actionID := fmt.Sprintf("action_%d", r.actionSeq)
	r.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
		"id":         actionID,
		"actionType": action,
		"createdAt":  time.Now().UTC(),
	}})
}

func (r *Robot) handleEnqueueCommand(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Data struct {
			CommandType string         `json:"commandType"`
			Params      map[string]any `json:"params"`
			Intent      string         `json:"intent"`
		} `json:"data"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.Data.CommandType == "" {
		writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "commandType required")
		return
	}
	r.mu.Lock()
	run, ok := r.runs[req.PathValue("id")]
	if !ok {
		r.mu.Unlock()
		writeError(w, http.StatusNotFound, "RunNotFound", "run not found")
		return
	}
	if robot.RunStatus(run.Status).Terminal() {
		r.mu.Unlock()
		writeError(w, http.StatusConflict, "RunStopped", "run is finished")
		return
	}
	r.commandSeq++
	cmd := &commandState{
		ID:          fmt.Sprintf("command_%d", r.commandSeq),
		CommandType: payload.Data.CommandType,
		Params:      payload.Data.Params,
		Intent:      payload.Data.Intent,
		Status:      "queued",
		CreatedAt:   time.Now().UTC(),
	}
	if cmd.Intent == "" {
		cmd.Intent = string(robot.IntentSetup)
	}
	if robot.RunStatus(run.Status) == robot.RunRunning {
		cmd.Status = "succeeded"
	}
	run.Commands = append(run.Commands, cmd)
	out := commandJSON(cmd)
	r.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"data": out})
}

func (r *Robot) handleListCommands(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	run, ok := r.runs[req.PathValue("id")]
	if !ok {
		r.mu.Unlock()
		writeError(w, http.StatusNotFound, "RunNotFound", "run not found")
		return
	}
	items := make([]map[string]any, 0, len(run.Commands))
	for _, cmd := range run.Commands {
		items = append(items, commandJSON(cmd))
	}
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"data": items,
		"meta": map[string]int{"cursor": 0, "totalLength": len(items)},
	})
}

// advanceLocked applies scripted or automatic progress before a GET.
func (r *Robot) advanceLocked(run *runState) {
	if len(run.Script) > 0 {
		run.Status = run.Script[0]
		if len(run.Script) > 1 {
			run.Script = run.Script[1:]
		}
		return
	}
	if r.autoComplete <= 0 {
		return
	}
	switch robot.RunStatus(run.Status) {
	case robot.RunRunning:
		run.Polls++
		if run.Polls > r.autoComplete {
			run.Status = string(robot.RunFinishing)
		}
	case robot.RunFinishing:
		run.Status = string(robot.RunSucceeded)
	}
}

// settleLocked moves stop-requested to stopped once it has been observed.
func (r *Robot) settleLocked(run *runState) {
	if robot.RunStatus(run.Status) != robot.RunStopRequested || len(run.Script) > 0 {
		return
	}
	if run.StopSeen {
		return
	}
	run.StopSeen = true
	run.Status = string(robot.RunStopped)
}

func (r *Robot) runJSONLocked(run *runState) map[string]any {
	out := map[string]any{
		"id":        run.ID,
		"status":    run.Status,
		"current":   run.ID == r.currentRun,
		"createdAt": run.CreatedAt,
		"actions":   []any{},
		"errors":    []any{},
	}
	if run.ProtocolID != "" {
		out["protocolId"] = run.ProtocolID
	}
	if robot.RunStatus(run.Status) == robot.RunFailed && run.ErrorText != "" {
		r.errorSeq++
		out["errors"] = []map[string]any{{
			"id":        fmt.Sprintf("error_%d", r.errorSeq),
			"errorType": "ProtocolExecutionError",
			"detail":    run.ErrorText,
			"createdAt": time.Now().UTC(),
		}}
	}
	return out
}

func protocolJSON(p *protocolState) map[string]any {
	return map[string]any{
		"id":           p.ID,
		"protocolType": "python",
		"createdAt":    p.CreatedAt,
		"files":        []map[string]string{{"name": p.Filename, "role": "main"}},
		"metadata":     map[string]any{"size": p.Size},
	}
}

func commandJSON(cmd *commandState) map[string]any {
	params := cmd.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"id":          cmd.ID,
		"commandType": cmd.CommandType,
		"params":      params,
		"intent":      cmd.Intent,
		"status":      cmd.Status,
		"createdAt":   cmd.CreatedAt,
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}
