// Package api contains the shared JSON message types of the runtime
// control protocol. This package is shared between the engine, the
// dispatch front-end and the orchestrator-side tooling.
package api

import "encoding/json"

// Op identifies a protocol request operation.
type Op string

const (
	OpHello         Op = "hello"
	OpDeploy        Op = "deploy"
	OpStart         Op = "start"
	OpRun           Op = "run"
	OpKill          Op = "kill"
	OpStop          Op = "stop"
	OpTest          Op = "test"
	OpOfferTemplate Op = "offer_template"
)

// Request is a single inbound control message. Exactly one of the
// op-specific payload fields is set, matching Op.
type Request struct {
	// ID correlates the request with its response (UUID).
	ID string `json:"id"`
	Op Op     `json:"op"`

	Hello *HelloRequest `json:"hello,omitempty"`
	Run   *RunProcess   `json:"run,omitempty"`
	Kill  *KillProcess  `json:"kill,omitempty"`
	Stop  *StopRequest  `json:"stop,omitempty"`
}

// HelloRequest carries the orchestrator's protocol version.
type HelloRequest struct {
	Version string `json:"version"`
}

// RunProcess is the payload of an OpRun request.
type RunProcess struct {
	Bin     string   `json:"bin"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
}

// KillProcess is the payload of an OpKill request.
type KillProcess struct {
	PID    uint64 `json:"pid"`
	Signal int32  `json:"signal,omitempty"`
}

// StopRequest is the payload of an OpStop request.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response is the reply to a single Request, matched by ID.
type Response struct {
	ID     string          `json:"id"`
	Error  *Error          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// RunResult is the Result payload of a successful OpRun response.
type RunResult struct {
	PID uint64 `json:"pid"`
}

// HelloResult is the Result payload of a successful OpHello response.
type HelloResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ProcessStatus is one command lifecycle event. One outbound message is
// sent per event: started (running, no output), one output chunk
// (running, stdout or stderr set), or stopped (not running, exit code).
type ProcessStatus struct {
	PID        uint64 `json:"pid"`
	Running    bool   `json:"running"`
	ReturnCode int32  `json:"return_code"`
	Stdout     []byte `json:"stdout,omitempty"`
	Stderr     []byte `json:"stderr,omitempty"`
}

// Outbound is a single outbound frame: either a Response to a request or
// an unsolicited command lifecycle Event.
type Outbound struct {
	Response *Response      `json:"response,omitempty"`
	Event    *ProcessStatus `json:"event,omitempty"`
}

// ErrorCode classifies protocol-level failures.
type ErrorCode string

const (
	// CodePrecondition means the operation is not valid in the current
	// lifecycle phase.
	CodePrecondition ErrorCode = "precondition_violation"
	// CodeUnsupported means the runtime does not implement the callback.
	CodeUnsupported ErrorCode = "unsupported_operation"
	// CodeNotFound means the referenced command is unknown or finished.
	CodeNotFound ErrorCode = "not_found"
	// CodeCallback means a user callback reported an error.
	CodeCallback ErrorCode = "callback_failure"
	// CodeBadRequest means the request payload was malformed.
	CodeBadRequest ErrorCode = "bad_request"
)

// Error is the structured error body of a failed Response.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// DeployResult is the structured payload produced by a successful deploy.
// Extra free-form keys are preserved through Extra.
type DeployResult struct {
	StartMode StartMode      `json:"startMode"`
	Valid     Validity       `json:"valid"`
	Vols      []Volume       `json:"vols,omitempty"`
	Extra     map[string]any `json:"-"`
}

// StartMode tells the orchestrator how the start transition behaves.
type StartMode string

const (
	// StartModeBlocking is reported by Server-mode runtimes.
	StartModeBlocking StartMode = "blocking"
	// StartModeEmpty is reported by Command-mode runtimes.
	StartModeEmpty StartMode = "empty"
)

// Validity reports deploy success or failure with a message.
type Validity struct {
	Ok  *string `json:"Ok,omitempty"`
	Err *string `json:"Err,omitempty"`
}

// Valid returns a success Validity with the given message.
func Valid(msg string) Validity { return Validity{Ok: &msg} }

// Invalid returns a failure Validity with the given message.
func Invalid(msg string) Validity { return Validity{Err: &msg} }

// Volume is a single directory alias made available to the payload.
type Volume struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// OfferTemplate is the market offer template stub returned by offer.
type OfferTemplate struct {
	Constraints string         `json:"constraints"`
	Properties  map[string]any `json:"properties"`
}

// MarshalJSON flattens Extra keys into the top-level deploy object.
func (d DeployResult) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Extra)+3)
	for k, v := range d.Extra {
		m[k] = v
	}
	m["startMode"] = d.StartMode
	m["valid"] = d.Valid
	if d.Vols != nil {
		m["vols"] = d.Vols
	}
	return json.Marshal(m)
}

// UnmarshalJSON restores the well-known fields and collects the rest
// into Extra.
func (d *DeployResult) UnmarshalJSON(data []byte) error {
	type known struct {
		StartMode StartMode `json:"startMode"`
		Valid     Validity  `json:"valid"`
		Vols      []Volume  `json:"vols"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	delete(m, "startMode")
	delete(m, "valid")
	delete(m, "vols")
	if len(m) == 0 {
		m = nil
	}
	d.StartMode, d.Valid, d.Vols, d.Extra = k.StartMode, k.Valid, k.Vols, m
	return nil
}
