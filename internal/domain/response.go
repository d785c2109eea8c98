package domain

import "time"

// ResponseKind classifies a decoded frame.
type ResponseKind string

const (
	// ResponseStatus carries run status, mode, fault codes and readings
	ResponseStatus ResponseKind = "status"
	// ResponseAck is a bare acknowledgement of a control command
	ResponseAck ResponseKind = "ack"
	// ResponseReject is a device-reported NACK
	ResponseReject ResponseKind = "reject"
)

// EngineState is the run field exactly as the controller reports it.
type EngineState string

const (
	EngineUnknown EngineState = ""
	EngineRunning EngineState = "running"
	EngineStopped EngineState = "stopped"
	EngineFault   EngineState = "fault"
)

// Response is the decoded result of a command or an unsolicited status frame.
// Responses are never mutated after the session hands them out.
type Response struct {
	// Seq is the monotonic sequence number assigned by the session on receipt
	Seq uint64 `json:"seq"`

	// CorrelationID is the echoed command tag; empty for untagged frames
	CorrelationID string `json:"correlation_id,omitempty"`

	Kind ResponseKind `json:"kind"`

	// Engine is the decoded run field (status frames only)
	Engine EngineState `json:"engine,omitempty"`

	// Mode is the decoded mode field; ModeUnknown when the frame omits it
	Mode Mode `json:"mode,omitempty"`

	// FaultCodes lists the active fault codes in frame order
	FaultCodes []string `json:"fault_codes,omitempty"`

	// Readings holds named measurements (voltage_l1, frequency, ...)
	Readings map[string]float64 `json:"readings,omitempty"`

	// Reason is the device's text for a rejected command
	Reason string `json:"reason,omitempty"`

	// Raw is the frame body without terminator, kept for diagnostics
	Raw string `json:"raw,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// IsStatus reports whether the response carries panel fields.
func (r *Response) IsStatus() bool {
	return r != nil && r.Kind == ResponseStatus
}

// Reading returns a named reading and whether it was present.
func (r *Response) Reading(name string) (float64, bool) {
	if r == nil || r.Readings == nil {
		return 0, false
	}
	v, ok := r.Readings[name]
	return v, ok
}

// WithSeq returns a copy of the response stamped with seq.
func (r Response) WithSeq(seq uint64) *Response {
	r.Seq = seq
	return &r
}
