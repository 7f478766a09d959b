// Package events provides event types and publishing infrastructure for
// the workflow engine. Events fan out over Redis pub/sub to SSE and
// websocket subscribers.
package events

import "time"

// Type defines the type of event.
type Type string

const (
	// TypeConnected is the first event on a new stream.
	TypeConnected Type = "connected"
	// TypeStatus indicates a job status transition.
	TypeStatus Type = "status"
	// TypePhaseStarted indicates a phase began (global, or for one unit).
	TypePhaseStarted Type = "phase_started"
	// TypePhaseCompleted indicates a phase finished, succeeded or not.
	TypePhaseCompleted Type = "phase_completed"
	// TypeTaskStarted indicates a parallel-map item began.
	TypeTaskStarted Type = "task_started"
	// TypeTaskCompleted indicates a parallel-map item finished.
	TypeTaskCompleted Type = "task_completed"
	// TypeProgressUpdate carries aggregate unit progress.
	TypeProgressUpdate Type = "progress_update"
	// TypeMessage carries a free-form status message from a phase.
	TypeMessage Type = "message"
	// TypeJobStarted indicates execution began after confirmation.
	TypeJobStarted Type = "job_started"
	// TypeJobCompleted, TypeJobFailed, TypeJobCancelled are terminal;
	// streams close immediately after one of them.
	TypeJobCompleted Type = "job_completed"
	TypeJobFailed    Type = "job_failed"
	TypeJobCancelled Type = "job_cancelled"
)

// Terminal reports whether the event type ends a stream.
func (t Type) Terminal() bool {
	return t == TypeJobCompleted || t == TypeJobFailed || t == TypeJobCancelled
}

// Event is one published event.
type Event struct {
	Type  Type      `json:"type"`
	JobID string    `json:"job_id"`
	Data  any       `json:"data,omitempty"`
	Time  time.Time `json:"time"`
}

// New creates an event stamped with the current time.
func New(eventType Type, jobID string, data any) Event {
	return Event{Type: eventType, JobID: jobID, Data: data, Time: time.Now().UTC()}
}

// PhaseUpdate is the payload of phase_started / phase_completed events.
type PhaseUpdate struct {
	PhaseID string `json:"phase_id"`
	UnitID  string `json:"unit_id,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// TaskUpdate is the payload of task_started / task_completed events.
type TaskUpdate struct {
	PhaseID string `json:"phase_id"`
	UnitID  string `json:"unit_id,omitempty"`
	Item    string `json:"item"`
	Error   string `json:"error,omitempty"`
}

// Message is the payload of message events.
type Message struct {
	Level   string `json:"level"` // info, warning, error
	Text    string `json:"text"`
	PhaseID string `json:"phase_id,omitempty"`
	UnitID  string `json:"unit_id,omitempty"`
	Details any    `json:"details,omitempty"`
}

// StatusChange is the payload of status events.
type StatusChange struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
