package robot

// RunStatus is a run status as reported by the OT-2 server.
type RunStatus string

const (
	RunIdle          RunStatus = "idle"
	RunRunning       RunStatus = "running"
	RunFinishing     RunStatus = "finishing"
	RunSucceeded     RunStatus = "succeeded"
	RunFailed        RunStatus = "failed"
	RunPaused        RunStatus = "paused"
	RunStopRequested RunStatus = "stop-requested"
	RunStopped       RunStatus = "stopped"
)

// RobotStatus summarizes the whole robot from its run list.
type RobotStatus string

const (
	RobotOffline   RobotStatus = "offline"
	RobotIdle      RobotStatus = "idle"
	RobotRunning   RobotStatus = "running"
	RobotFinishing RobotStatus = "finishing"
	RobotFailed    RobotStatus = "failed"
	RobotPaused    RobotStatus = "paused"
)

var knownRunStatuses = map[RunStatus]struct{}{
	RunIdle:          {},
	RunRunning:       {},
	RunFinishing:     {},
	RunSucceeded:     {},
	RunFailed:        {},
	RunPaused:        {},
	RunStopRequested: {},
	RunStopped:       {},
}

var runTransitions = map[RunStatus][]RunStatus{
	RunIdle:          {RunRunning, RunStopRequested},
	RunRunning:       {RunFinishing, RunPaused, RunStopRequested, RunFailed},
	RunFinishing:     {RunSucceeded, RunFailed, RunStopRequested},
	RunPaused:        {RunRunning, RunStopRequested, RunFailed},
	RunStopRequested: {RunStopped, RunFailed},
}

// ParseRunStatus maps a server string onto RunStatus. Strings outside the
// closed set map to RunFailed and known reports false.
func ParseRunStatus(value string) (status RunStatus, known bool) {
	status = RunStatus(value)
	if _, ok := knownRunStatuses[status]; ok {
		return status, true
	}
	return RunFailed, false
}

// Valid reports whether s is one of the closed set of run statuses.
func (s RunStatus) Valid() bool {
	_, ok := knownRunStatuses[s]
	return ok
}

// Terminal reports whether no further transitions can be observed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// Active reports whether the robot is executing or winding down the run.
func (s RunStatus) Active() bool {
	switch s {
	case RunRunning, RunFinishing, RunStopRequested:
		return true
	default:
		return false
	}
}

// CanTransition reports whether next is an allowed successor of s. Repeating
// the same status is always allowed since polls may observe it many times.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanReach reports whether next can follow s through zero or more allowed
// transitions. Polls may miss intermediate statuses, so observed pairs are
// checked with CanReach rather than CanTransition.
func (s RunStatus) CanReach(next RunStatus) bool {
	seen := map[RunStatus]bool{s: true}
	queue := []RunStatus{s}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == next {
			return true
		}
		for _, candidate := range runTransitions[current] {
			if !seen[candidate] {
				seen[candidate] = true
				queue = append(queue, candidate)
			}
		}
	}
	return false
}

// RunSummary is the subset of a run listing used for robot status.
type RunSummary struct {
	ID         string
	ProtocolID string
	Status     string
	Current    bool
}

// DeriveRobotStatus picks the first run, in server order, whose status is a
// known non-finished status. An empty list or a failed listing means offline.
func DeriveRobotStatus(runs []RunSummary, listErr error) RobotStatus {
	if listErr != nil || len(runs) == 0 {
		return RobotOffline
	}
	for _, run := range runs {
		status := RunStatus(run.Status)
		if !status.Valid() {
			continue
		}
		switch status {
		case RunSucceeded, RunStopRequested, RunStopped:
			continue
		}
		return robotStatusFor(status)
	}
	return RobotIdle
}

func robotStatusFor(status RunStatus) RobotStatus {
	switch status {
	case RunRunning:
		return RobotRunning
	case RunFinishing:
		return RobotFinishing
	case RunFailed:
		return RobotFailed
	case RunPaused:
		return RobotPaused
	default:
		return RobotIdle
	}
}
