package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/sigurn/crc16"
)

// tagLength is the number of correlation id characters sent on the wire.
const tagLength = 8

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Codec encodes commands with a Table. It holds no mutable state and is safe for concurrent use.
type Codec struct {
	table *Table

	// reverse lookups used when formatting replies
	readingMarkers map[string]string
}

// New creates a codec for a validated table.
func New(table *Table) (*Codec, error) {
	if table == nil {
		table = DefaultTable()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	markers := make(map[string]string, len(table.Response.Readings))
	for marker, name := range table.Response.Readings {
		markers[name] = marker
	}

	return &Codec{table: table, readingMarkers: markers}, nil
}

// Table returns the protocol table in use.
func (c *Codec) Table() *Table {
	return c.table
}

// Expects returns the reply kind that resolves a command of kind.
func (c *Codec) Expects(kind domain.CommandKind) domain.ResponseKind {
	return c.table.Commands[kind].Expects
}

// Correlated reports whether frames carry a correlation tag.
func (c *Codec) Correlated() bool {
	return c.table.Correlation.Enabled
}

// Tag returns the wire form of a correlation id.
func (c *Codec) Tag(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > tagLength {
		compact = compact[:tagLength]
	}
	return compact
}

// Encode serialises cmd into one complete frame.
func (c *Codec) Encode(cmd domain.Command) ([]byte, error) {
	spec, ok := c.table.Commands[cmd.Kind]
	if !ok || spec.Token == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCommand, cmd.Kind)
	}
	if strings.Contains(cmd.Payload, c.table.Terminator) {
		return nil, fmt.Errorf("%w: payload contains the frame terminator", domain.ErrWrite)
	}

	var b strings.Builder
	if c.table.Correlation.Enabled {
		b.WriteString(c.table.Correlation.Prefix)
		b.WriteString(c.Tag(cmd.ID))
		b.WriteByte(' ')
	}
	b.WriteString(spec.Token)
	if cmd.Payload != "" {
		b.WriteByte(' ')
		b.WriteString(cmd.Payload)
	}

	return c.frame(b.String()), nil
}

// EncodeReply formats r the way the controller would send it. It is the inverse of the
// decoder for the canonical status shape and backs the bench simulator.
func (c *Codec) EncodeReply(r *domain.Response) []byte {
	rs := c.table.Response

	var body string
	switch r.Kind {
	case domain.ResponseAck:
		body = rs.Ack[0]
	case domain.ResponseReject:
		body = "ERR"
		if len(rs.Nack) > 0 {
			body = rs.Nack[0]
		}
		if r.Reason != "" {
			body += " " + r.Reason
		}
	default:
		fields := []string{rs.Run.Key + rs.KeyValueSeparator + c.engineToken(r.Engine)}
		if r.Mode != domain.ModeUnknown {
			fields = append(fields, rs.Mode.Key+rs.KeyValueSeparator+c.modeToken(r.Mode))
		}

		faults := strings.Join(r.FaultCodes, rs.Faults.Separator)
		if faults == "" && len(rs.Faults.None) > 0 {
			faults = rs.Faults.None[len(rs.Faults.None)-1]
		}
		fields = append(fields, rs.Faults.Key+rs.KeyValueSeparator+faults)

		names := make([]string, 0, len(r.Readings))
		for name := range r.Readings {
			if _, ok := c.readingMarkers[name]; ok {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			value := strconv.FormatFloat(r.Readings[name], 'f', -1, 64)
			fields = append(fields, c.readingMarkers[name]+rs.KeyValueSeparator+value)
		}
		body = strings.Join(fields, rs.FieldSeparator)
	}

	if c.table.Correlation.Enabled && r.CorrelationID != "" {
		body = c.table.Correlation.Prefix + r.CorrelationID + " " + body
	}
	return c.frame(body)
}

// frame appends the optional checksum and the terminator.
func (c *Codec) frame(body string) []byte {
	if c.table.Checksum == ChecksumCRC16Modbus {
		body = fmt.Sprintf("%s*%04X", body, Checksum([]byte(body)))
	}
	return []byte(body + c.table.Terminator)
}

func (c *Codec) engineToken(e domain.EngineState) string {
	run := c.table.Response.Run
	switch e {
	case domain.EngineRunning:
		return run.Running[0]
	case domain.EngineFault:
		if len(run.Fault) > 0 {
			return run.Fault[0]
		}
	}
	return run.Stopped[0]
}

func (c *Codec) modeToken(m domain.Mode) string {
	if m == domain.ModeManual {
		return c.table.Response.Mode.Manual[0]
	}
	return c.table.Response.Mode.Auto[0]
}

// Checksum computes the CRC-16/MODBUS of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
