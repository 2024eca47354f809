// Package types defines the core domain model shared by every bulkop component.
package types

// Document is a JSON-like structured document. Command requests, replies and the
// status blackboard are all Documents.
type Document = map[string]any

// Status is the state of a bulk operation as reported to callers.
type Status string

// Operation states
const (
	StatusUnknown  Status = "unknown"  // no such operation, or not yet started
	StatusRunning  Status = "running"  // work is being dispatched or executed
	StatusPaused   Status = "paused"   // dispatch is held until resume
	StatusFailed   Status = "failed"   // the operation aborted with an error
	StatusComplete Status = "complete" // finished, possibly with per-item errors, or cancelled
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusComplete
}

// RequestKind discriminates the two message shapes accepted by the controller.
type RequestKind string

const (
	RequestOperation RequestKind = "operation" // start a new operation
	RequestCommand   RequestKind = "command"   // poll or steer a running operation
)

// Command is a control verb delivered to a running operation.
type Command string

const (
	CommandProgress Command = "progress"
	CommandCancel   Command = "cancel"
	CommandPause    Command = "pause"
	CommandResume   Command = "resume"
)

// Valid reports whether c is one of the supported commands.
func (c Command) Valid() bool {
	switch c {
	case CommandProgress, CommandCancel, CommandPause, CommandResume:
		return true
	}
	return false
}

// Well-known document keys.
const (
	KeyRequest  = "request"
	KeyPlugin   = "plugin"
	KeyCommand  = "command"
	KeyStatus   = "status"
	KeyProgress = "progress"
	KeyErrors   = "errors"
	KeyOpID     = "op_id"
	KeyCode     = "code"
	KeyMessage  = "message"

	KeyAsync     = "async"     // request: false forces synchronous execution
	KeySubmitted = "submitted" // items handed to the job pool
	KeyCollected = "collected" // outcomes received before the operation ended
)

// Outcome is the result of one job invocation. Code 0 means success.
type Outcome struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Failed reports whether the outcome records an error.
func (o Outcome) Failed() bool { return o.Code != 0 }

// Document renders the outcome in its wire form.
func (o Outcome) Document() Document {
	return Document{KeyCode: o.Code, KeyMessage: o.Message}
}

// OutcomeDocuments converts outcomes to the `errors` array form.
func OutcomeDocuments(outcomes []Outcome) []any {
	out := make([]any, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.Document())
	}
	return out
}
