package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shaunagostinho/pinlink/internal/pins"
)

// ErrMalformed is wrapped by parse errors for replies that do not have the
// shape the command expects.
var ErrMalformed = errors.New("malformed response")

// Codec encodes commands into frames and classifies inbound lines.
// The zero value is not usable; use NewCodec or DefaultCodec.
type Codec struct {
	Pins pins.Codec
}

// NewCodec returns a codec using the given analog pin offset.
func NewCodec(analogOffset int) *Codec {
	return &Codec{Pins: pins.Codec{AnalogOffset: analogOffset}}
}

// DefaultCodec uses pins.DefaultAnalogOffset.
var DefaultCodec = NewCodec(pins.DefaultAnalogOffset)

// Encode builds the frame for cmd:
//
//	<opcode> [<pin code> [<function code>]] '\r' '\n'
func (c *Codec) Encode(cmd Command) []byte {
	frame := make([]byte, 0, 5)
	frame = append(frame, byte(cmd.Op))
	if cmd.HasPin() {
		frame = append(frame, c.Pins.Code(cmd.Pin))
	}
	if cmd.Op == OpSetPinFunction {
		frame = append(frame, byte(cmd.Function))
	}
	return append(frame, Terminator...)
}

// DecodeFrame is the inverse of Encode, used by the simulated device.
func (c *Codec) DecodeFrame(frame []byte) (Command, error) {
	body := frame
	if n := len(body); n >= 2 && body[n-2] == '\r' && body[n-1] == '\n' {
		body = body[:n-2]
	}
	if len(body) == 0 {
		return Command{}, fmt.Errorf("protocol: empty frame")
	}
	cmd := Command{Op: Opcode(body[0])}
	want := 1
	if cmd.HasPin() {
		want++
	}
	if cmd.Op == OpSetPinFunction {
		want++
	}
	if len(body) != want {
		return Command{}, fmt.Errorf("protocol: %s frame has %d bytes, want %d", cmd.Op, len(body), want)
	}
	if cmd.HasPin() {
		p, ok := c.Pins.FromCode(body[1])
		if !ok {
			return Command{}, fmt.Errorf("protocol: unknown pin code %d", body[1])
		}
		cmd.Pin = p
	}
	if cmd.Op == OpSetPinFunction {
		cmd.Function = pins.Function(body[2])
	}
	return cmd, cmd.Validate()
}

// LineKind classifies an inbound line.
type LineKind int

const (
	LineText LineKind = iota
	LineNumber
	LinePinValue
)

func (k LineKind) String() string {
	switch k {
	case LineNumber:
		return "number"
	case LinePinValue:
		return "pin-value"
	}
	return "text"
}

// DecodedLine is the classification of one trimmed inbound line.
type DecodedLine struct {
	Raw   string
	Kind  LineKind
	Value float64
	Pin   pins.ID // valid only for LinePinValue
}

// Numeric reports whether the line carried a value.
func (d DecodedLine) Numeric() bool { return d.Kind != LineText }

// Decode never fails: anything that is not a float literal or a
// "pin,value" pair is returned as LineText.
func (c *Codec) Decode(line string) DecodedLine {
	raw := strings.TrimSpace(line)
	d := DecodedLine{Raw: raw}
	if raw == "" {
		return d
	}
	if v, ok := parseValue(raw); ok {
		d.Kind, d.Value = LineNumber, v
		return d
	}
	parts := strings.Split(raw, ",")
	if len(parts) < 2 {
		return d
	}
	v, ok := parseValue(parts[1])
	if !ok {
		return d
	}
	p, err := pins.Parse(parts[0])
	if err != nil {
		// a value with an unknown tag still plots as a bare number
		d.Kind, d.Value = LineNumber, v
		return d
	}
	d.Kind, d.Value, d.Pin = LinePinValue, v, p
	return d
}

// parseValue accepts finite float literals only. Serial.print renders a
// failed reading as "nan" or "inf", which stays text.
func parseValue(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseAck interprets a bare acknowledgement. The firmware prints its
// response enum as a digit (ok=0, error=1); older host builds compared
// against the words. known is false for anything else.
func ParseAck(line string) (ok, known bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "ok", "0":
		return true, true
	case "error", "1":
		return false, true
	}
	return false, false
}

// ParseFunction reads a GetCurrentPinFunction reply. The firmware answers
// "0" (ok) followed by the code, so "03" and "3" both mean readAnalog.
func ParseFunction(line string) (pins.Function, error) {
	s := strings.TrimSpace(line)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("protocol: %w: %q is not a function code", ErrMalformed, s)
	}
	f := pins.Function(n)
	if n < 0 || !f.Valid() {
		return 0, fmt.Errorf("protocol: %w: function code %d out of range", ErrMalformed, n)
	}
	return f, nil
}

// ParseFunctionList reads a GetPinFunction reply: "0", the function count,
// then one digit per function, e.g. "03124".
func ParseFunctionList(line string) ([]pins.Function, error) {
	s := strings.TrimSpace(line)
	if len(s) < 2 || s[0] != '0' {
		return nil, fmt.Errorf("protocol: %w: %q is not a function list", ErrMalformed, s)
	}
	count := int(s[1] - '0')
	digits := s[2:]
	if count < 0 || count > 9 || len(digits) != count {
		return nil, fmt.Errorf("protocol: %w: %q declares %d functions", ErrMalformed, s, count)
	}
	out := make([]pins.Function, 0, count)
	for i := 0; i < len(digits); i++ {
		f := pins.Function(digits[i] - '0')
		if digits[i] < '0' || !f.Valid() {
			return nil, fmt.Errorf("protocol: %w: bad function digit %q", ErrMalformed, digits[i])
		}
		out = append(out, f)
	}
	return out, nil
}
