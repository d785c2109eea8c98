package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
)

// ErrIncomplete is returned by Next when no complete frame is buffered yet.
var ErrIncomplete = errors.New("incomplete frame")

// MalformedFrameError describes a frame that was discarded.
type MalformedFrameError struct {
	Reason string
	Raw    string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("%s: %s (raw %q)", domain.ErrMalformedFrame, e.Reason, e.Raw)
}

// Unwrap allows errors.Is(err, domain.ErrMalformedFrame).
func (e *MalformedFrameError) Unwrap() error {
	return domain.ErrMalformedFrame
}

// Decoder accumulates a byte stream and splits it into frames.
// It is not safe for concurrent use; the session owns exactly one.
type Decoder struct {
	table      *Table
	terminator []byte
	buf        []byte

	// discarding is set after an over-long frame until the next terminator
	discarding bool
}

// NewDecoder creates a decoder for table.
func NewDecoder(table *Table) *Decoder {
	if table == nil {
		table = DefaultTable()
	}
	return &Decoder{
		table:      table,
		terminator: []byte(table.Terminator),
		buf:        make([]byte, 0, table.MaxFrame+len(table.Terminator)),
	}
}

// Feed appends raw bytes from the link.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.discarding = false
}

// Next returns the next complete frame as a Response.
// It returns ErrIncomplete when more bytes are needed and a *MalformedFrameError when a
// frame was dropped; the decoder is ready for the following frame in both cases.
func (d *Decoder) Next(receivedAt time.Time) (*domain.Response, error) {
	for {
		idx := bytes.Index(d.buf, d.terminator)
		if idx < 0 {
			return nil, d.checkOverflow()
		}

		body := string(d.buf[:idx])
		d.consume(idx + len(d.terminator))

		if d.discarding {
			// tail of an over-long frame; the stream is aligned again
			d.discarding = false
			continue
		}
		if idx > d.table.MaxFrame {
			return nil, &MalformedFrameError{Reason: fmt.Sprintf("frame exceeds %d bytes", d.table.MaxFrame), Raw: truncate(body)}
		}
		if strings.TrimSpace(body) == "" {
			continue
		}

		return d.parse(body, receivedAt)
	}
}

// checkOverflow switches to discard mode when the buffer outgrows a frame.
func (d *Decoder) checkOverflow() error {
	if len(d.buf) <= d.table.MaxFrame {
		return ErrIncomplete
	}

	// keep enough of the tail to recognise a terminator split across reads
	keep := len(d.terminator) - 1
	raw := truncate(string(d.buf))
	d.buf = append(d.buf[:0], d.buf[len(d.buf)-keep:]...)

	if d.discarding {
		return ErrIncomplete
	}
	d.discarding = true
	return &MalformedFrameError{Reason: fmt.Sprintf("no terminator within %d bytes", d.table.MaxFrame), Raw: raw}
}

func (d *Decoder) consume(n int) {
	remaining := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}

// parse turns one frame body into a Response.
func (d *Decoder) parse(body string, receivedAt time.Time) (*domain.Response, error) {
	for i := 0; i < len(body); i++ {
		if c := body[i]; (c < 0x20 && c != '\t') || c > 0x7e {
			return nil, &MalformedFrameError{Reason: fmt.Sprintf("non-printable byte 0x%02X", c), Raw: truncate(body)}
		}
	}

	payload, err := verifyChecksum(d.table, body)
	if err != nil {
		return nil, err
	}

	resp := &domain.Response{Raw: body, ReceivedAt: receivedAt}

	payload = strings.TrimSpace(payload)
	if corr := d.table.Correlation; corr.Enabled && strings.HasPrefix(payload, corr.Prefix) {
		tag, rest, _ := strings.Cut(payload[len(corr.Prefix):], " ")
		if tag == "" {
			return nil, &MalformedFrameError{Reason: "empty correlation tag", Raw: truncate(body)}
		}
		resp.CorrelationID = tag
		payload = strings.TrimSpace(rest)
	}

	rs := d.table.Response
	head, rest, _ := strings.Cut(payload, " ")
	switch {
	case matchToken(payload, rs.Ack):
		resp.Kind = domain.ResponseAck
		return resp, nil
	case matchToken(head, rs.Nack):
		resp.Kind = domain.ResponseReject
		resp.Reason = strings.TrimSpace(rest)
		return resp, nil
	}

	if err := d.parseStatus(payload, resp); err != nil {
		return nil, &MalformedFrameError{Reason: err.Error(), Raw: truncate(body)}
	}
	return resp, nil
}

// parseStatus fills the status fields of resp from "KEY=VALUE;KEY=VALUE" text.
func (d *Decoder) parseStatus(payload string, resp *domain.Response) error {
	rs := d.table.Response
	resp.Kind = domain.ResponseStatus

	seenRun := false
	for _, field := range strings.Split(payload, rs.FieldSeparator) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, rs.KeyValueSeparator)
		if !ok {
			return fmt.Errorf("field %q has no %q", field, rs.KeyValueSeparator)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case strings.EqualFold(key, rs.Run.Key):
			engine, err := d.parseEngine(value)
			if err != nil {
				return err
			}
			resp.Engine = engine
			seenRun = true

		case strings.EqualFold(key, rs.Mode.Key):
			switch {
			case matchToken(value, rs.Mode.Auto):
				resp.Mode = domain.ModeAuto
			case matchToken(value, rs.Mode.Manual):
				resp.Mode = domain.ModeManual
			default:
				return fmt.Errorf("unknown mode %q", value)
			}

		case strings.EqualFold(key, rs.Faults.Key):
			resp.FaultCodes = d.parseFaults(value)

		default:
			name, known := d.readingName(key)
			if !known {
				// fields this table does not describe are ignored
				continue
			}
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("reading %s: %q is not a number", key, value)
			}
			if resp.Readings == nil {
				resp.Readings = make(map[string]float64)
			}
			resp.Readings[name] = v
		}
	}

	if !seenRun {
		return fmt.Errorf("missing %s field", rs.Run.Key)
	}
	return nil
}

func (d *Decoder) parseEngine(value string) (domain.EngineState, error) {
	run := d.table.Response.Run
	switch {
	case matchToken(value, run.Running):
		return domain.EngineRunning, nil
	case matchToken(value, run.Stopped):
		return domain.EngineStopped, nil
	case matchToken(value, run.Fault):
		return domain.EngineFault, nil
	}
	return domain.EngineUnknown, fmt.Errorf("unknown run value %q", value)
}

func (d *Decoder) parseFaults(value string) []string {
	fs := d.table.Response.Faults
	if matchToken(value, fs.None) {
		return nil
	}

	var codes []string
	seen := make(map[string]bool)
	for _, code := range strings.Split(value, fs.Separator) {
		code = strings.ToUpper(strings.TrimSpace(code))
		if matchToken(code, fs.None) || seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes
}

func (d *Decoder) readingName(key string) (string, bool) {
	for marker, name := range d.table.Response.Readings {
		if strings.EqualFold(marker, key) {
			return name, true
		}
	}
	return "", false
}

// verifyChecksum strips and checks a trailing *XXXX when the table requires one.
func verifyChecksum(table *Table, body string) (string, error) {
	if table.Checksum != ChecksumCRC16Modbus {
		return body, nil
	}

	star := strings.LastIndexByte(body, '*')
	if star < 0 || len(body)-star != 5 {
		return "", &MalformedFrameError{Reason: "missing checksum", Raw: truncate(body)}
	}
	want, err := strconv.ParseUint(body[star+1:], 16, 16)
	if err != nil {
		return "", &MalformedFrameError{Reason: "checksum is not hex", Raw: truncate(body)}
	}
	payload := body[:star]
	if got := Checksum([]byte(payload)); got != uint16(want) {
		return "", &MalformedFrameError{Reason: fmt.Sprintf("checksum mismatch: expected 0x%04X, got 0x%04X", got, want), Raw: truncate(body)}
	}
	return payload, nil
}

// truncate keeps log lines short for garbage input.
func truncate(s string) string {
	const maxLen = 64
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
