package domain

import (
	"fmt"
	"time"
)

// RunStatus is the panel's view of the engine.
type RunStatus string

const (
	RunUnknown RunStatus = "unknown"
	RunRunning RunStatus = "running"
	RunStopped RunStatus = "stopped"
	RunFault   RunStatus = "fault"
)

// Mode is the controller's operating mode.
type Mode string

const (
	ModeUnknown Mode = ""
	ModeAuto    Mode = "auto"
	ModeManual  Mode = "manual"
)

// Health summarises link quality for the operator.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthLost     Health = "lost"
)

// AlarmRecord is one occurrence of a fault condition.
type AlarmRecord struct {
	Code      string    `json:"code"`
	Label     string    `json:"label"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Active    bool      `json:"active"`
	ClearedAt time.Time `json:"cleared_at,omitempty"`

	// ClearedBy is "absent" when the device stopped reporting it, "reset" after ResetAlarm
	ClearedBy string `json:"cleared_by,omitempty"`
}

// UnknownAlarmLabel is used for fault codes missing from the alarm label table.
func UnknownAlarmLabel(code string) string {
	return fmt.Sprintf("Unknown fault %s", code)
}

// CommandOutcome is the last operator command result shown on the panel.
type CommandOutcome struct {
	CommandID string      `json:"command_id"`
	Kind      CommandKind `json:"kind"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}

// PanelSnapshot is what observers get. It has no behaviour and is never mutated
// once published; slices and maps are copied by the publisher.
type PanelSnapshot struct {
	// Version increments on every state change
	Version uint64 `json:"version"`

	// Seq is the sequence number of the last applied response
	Seq uint64 `json:"seq"`

	RunStatus    RunStatus          `json:"run_status"`
	Mode         Mode               `json:"mode"`
	ActiveAlarms []AlarmRecord      `json:"active_alarms"`
	Health       Health             `json:"health"`
	Link         Connection         `json:"link"`
	Readings     map[string]float64 `json:"readings,omitempty"`
	LastCommand  *CommandOutcome    `json:"last_command,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	LastUpdated  time.Time          `json:"last_updated"`
}
