// Package codec translates between Commands/Responses and the controller's ASCII wire format.
// Everything device specific lives in a Table so that a different controller is a
// configuration change rather than a code change.
package codec

import (
	"fmt"
	"os"
	"strings"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"gopkg.in/yaml.v3"
)

// ChecksumType selects the optional frame checksum.
type ChecksumType string

const (
	ChecksumNone        ChecksumType = "none"
	ChecksumCRC16Modbus ChecksumType = "crc16-modbus"
)

// Table is the complete description of one controller's protocol.
type Table struct {
	// Name identifies the controller family in logs
	Name string `yaml:"name"`

	// Terminator ends every frame in both directions
	Terminator string `yaml:"terminator"`

	// MaxFrame is the longest frame body accepted before resyncing
	MaxFrame int `yaml:"max_frame"`

	// Checksum is appended as *XXXX before the terminator when enabled
	Checksum ChecksumType `yaml:"checksum"`

	Correlation CorrelationSpec `yaml:"correlation"`

	// Commands maps each command kind to its wire token
	Commands map[domain.CommandKind]CommandSpec `yaml:"commands"`

	Response ResponseSpec `yaml:"response"`

	// AlarmLabels maps fault codes to operator-facing text
	AlarmLabels map[string]string `yaml:"alarm_labels"`
}

// CorrelationSpec describes how commands are tagged on the wire.
type CorrelationSpec struct {
	Enabled bool `yaml:"enabled"`

	// Prefix precedes the tag, e.g. "@" gives "@1a2b3c4d START"
	Prefix string `yaml:"prefix"`
}

// CommandSpec is the wire form of one command kind.
type CommandSpec struct {
	Token string `yaml:"token"`

	// Expects is the reply kind that resolves the command: "status" or "ack"
	Expects domain.ResponseKind `yaml:"expects"`
}

// ResponseSpec maps markers in a reply to panel fields.
type ResponseSpec struct {
	FieldSeparator    string `yaml:"field_separator"`
	KeyValueSeparator string `yaml:"kv_separator"`

	Ack  []string `yaml:"ack"`
	Nack []string `yaml:"nack"`

	Run    RunSpec   `yaml:"run"`
	Mode   ModeSpec  `yaml:"mode"`
	Faults FaultSpec `yaml:"faults"`

	// Readings maps a field marker to a reading name, e.g. HZ -> frequency
	Readings map[string]string `yaml:"readings"`
}

// RunSpec maps run field values to engine states.
type RunSpec struct {
	Key     string   `yaml:"key"`
	Running []string `yaml:"running"`
	Stopped []string `yaml:"stopped"`
	Fault   []string `yaml:"fault"`
}

// ModeSpec maps mode field values to modes.
type ModeSpec struct {
	Key    string   `yaml:"key"`
	Auto   []string `yaml:"auto"`
	Manual []string `yaml:"manual"`
}

// FaultSpec describes the fault code list.
type FaultSpec struct {
	Key       string   `yaml:"key"`
	Separator string   `yaml:"separator"`
	None      []string `yaml:"none"`
}

// DefaultTable returns the table for the ASCII controller the panel was first built for.
func DefaultTable() *Table {
	return &Table{
		Name:       "generic-ascii",
		Terminator: "\r\n",
		MaxFrame:   256,
		Checksum:   ChecksumNone,
		Correlation: CorrelationSpec{
			Enabled: false,
			Prefix:  "@",
		},
		Commands: map[domain.CommandKind]CommandSpec{
			domain.CommandQueryStatus:   {Token: "STATUS?", Expects: domain.ResponseStatus},
			domain.CommandStart:         {Token: "START", Expects: domain.ResponseAck},
			domain.CommandStop:          {Token: "STOP", Expects: domain.ResponseAck},
			domain.CommandSetAutoMode:   {Token: "MODE AUTO", Expects: domain.ResponseAck},
			domain.CommandSetManualMode: {Token: "MODE MANUAL", Expects: domain.ResponseAck},
			domain.CommandResetAlarm:    {Token: "ALARM_RESET", Expects: domain.ResponseAck},
			domain.CommandEmergencyStop: {Token: "EMERGENCY_STOP", Expects: domain.ResponseAck},
		},
		Response: ResponseSpec{
			FieldSeparator:    ";",
			KeyValueSeparator: "=",
			Ack:               []string{"OK", "ACK"},
			Nack:              []string{"ERR", "NAK"},
			Run: RunSpec{
				Key:     "RUN",
				Running: []string{"1", "ON", "RUNNING"},
				Stopped: []string{"0", "OFF", "STOPPED"},
				Fault:   []string{"F", "FAULT"},
			},
			Mode: ModeSpec{
				Key:    "MODE",
				Auto:   []string{"AUTO", "A"},
				Manual: []string{"MAN", "MANUAL", "M"},
			},
			Faults: FaultSpec{
				Key:       "ALM",
				Separator: ",",
				None:      []string{"", "0", "NONE", "-"},
			},
			Readings: map[string]string{
				"V1":   "voltage_l1",
				"V2":   "voltage_l2",
				"V3":   "voltage_l3",
				"I1":   "current_l1",
				"I2":   "current_l2",
				"I3":   "current_l3",
				"KW":   "power_kw",
				"HZ":   "frequency",
				"TMP":  "engine_temp",
				"OIL":  "oil_pressure",
				"FUEL": "fuel_level",
				"HRS":  "runtime_hours",
			},
		},
		AlarmLabels: map[string]string{
			"E01": "Low oil pressure",
			"E02": "High engine temperature",
			"E03": "Overspeed",
			"E04": "Underspeed",
			"E05": "Fail to start",
			"E06": "Low fuel level",
			"E07": "Battery voltage low",
			"E08": "Generator over voltage",
			"E09": "Generator under voltage",
			"E10": "Over current",
			"E11": "Emergency stop active",
		},
	}
}

// LoadTable reads a YAML table. Fields left out of the file keep the default table's values.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read protocol table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML table on top of DefaultTable and validates it.
func ParseTable(data []byte) (*Table, error) {
	table := DefaultTable()
	if err := yaml.Unmarshal(data, table); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTable, err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate checks the table is usable for both encoding and decoding.
func (t *Table) Validate() error {
	if t.Terminator == "" {
		return fmt.Errorf("%w: terminator is required", domain.ErrInvalidTable)
	}
	if t.MaxFrame <= 0 {
		return fmt.Errorf("%w: max_frame must be positive", domain.ErrInvalidTable)
	}
	switch t.Checksum {
	case "", ChecksumNone, ChecksumCRC16Modbus:
	default:
		return fmt.Errorf("%w: unsupported checksum %q", domain.ErrInvalidTable, t.Checksum)
	}
	if t.Correlation.Enabled && strings.TrimSpace(t.Correlation.Prefix) == "" {
		return fmt.Errorf("%w: correlation prefix is required when correlation is enabled", domain.ErrInvalidTable)
	}

	for _, kind := range domain.CommandKinds {
		spec, ok := t.Commands[kind]
		if !ok || strings.TrimSpace(spec.Token) == "" {
			return fmt.Errorf("%w: no token for command %s", domain.ErrInvalidTable, kind)
		}
		if strings.Contains(spec.Token, t.Terminator) {
			return fmt.Errorf("%w: token for %s contains the terminator", domain.ErrInvalidTable, kind)
		}
		switch spec.Expects {
		case domain.ResponseStatus, domain.ResponseAck:
		default:
			return fmt.Errorf("%w: command %s expects %q", domain.ErrInvalidTable, kind, spec.Expects)
		}
	}
	for kind := range t.Commands {
		if !kind.Valid() {
			return fmt.Errorf("%w: unknown command kind %q", domain.ErrInvalidTable, kind)
		}
	}

	r := t.Response
	if r.FieldSeparator == "" || r.KeyValueSeparator == "" {
		return fmt.Errorf("%w: field and key/value separators are required", domain.ErrInvalidTable)
	}
	if r.Run.Key == "" || len(r.Run.Running) == 0 || len(r.Run.Stopped) == 0 {
		return fmt.Errorf("%w: run field needs a key and running/stopped values", domain.ErrInvalidTable)
	}
	if r.Mode.Key == "" || len(r.Mode.Auto) == 0 || len(r.Mode.Manual) == 0 {
		return fmt.Errorf("%w: mode field needs a key and auto/manual values", domain.ErrInvalidTable)
	}
	if r.Faults.Key == "" || r.Faults.Separator == "" {
		return fmt.Errorf("%w: faults field needs a key and separator", domain.ErrInvalidTable)
	}
	if len(r.Ack) == 0 {
		return fmt.Errorf("%w: at least one ack token is required", domain.ErrInvalidTable)
	}
	return nil
}

// AlarmLabel returns the label for code, or a generic one for unknown codes.
func (t *Table) AlarmLabel(code string) string {
	if label, ok := t.AlarmLabels[code]; ok && label != "" {
		return label
	}
	return domain.UnknownAlarmLabel(code)
}

// matchToken reports whether value equals one of tokens, ignoring case.
func matchToken(value string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.EqualFold(value, tok) {
			return true
		}
	}
	return false
}
