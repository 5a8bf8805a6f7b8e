package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/pinlink/internal/pins"
)

// Opcode is the first byte of every outbound frame.
type Opcode byte

const (
	OpFunctionMap Opcode = iota
	OpGetPinFunction
	OpGetCurrentPinFunction
	OpSetPinFunction
	OpStartLoop
	OpStopLoop
)

var opcodeNames = [...]string{
	OpFunctionMap:           "functionMap",
	OpGetPinFunction:        "getPinFunction",
	OpGetCurrentPinFunction: "getCurrentPinFunction",
	OpSetPinFunction:        "setPinFunction",
	OpStartLoop:             "startLoop",
	OpStopLoop:              "stopLoop",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("opcode(%d)", byte(o))
}

// ParseOpcode accepts the command names used by the host tools, ignoring case.
func ParseOpcode(s string) (Opcode, error) {
	for i, name := range opcodeNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Opcode(i), nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown command %q", s)
}

// Terminator ends every outbound frame.
var Terminator = []byte{'\r', '\n'}

// Timing constants observed on the TestBox firmware.
const (
	BaudRate     = 115200
	ReadTimeout  = 1 * time.Second        // single read after a command
	SettleDelay  = 100 * time.Millisecond // pause between write and read
	PollInterval = 100 * time.Millisecond // streaming drain period
)

// Command is one request to the device. Pin and Function are only
// meaningful for the opcodes that carry them.
type Command struct {
	Op       Opcode
	Pin      pins.ID
	Function pins.Function
}

func FunctionMap() Command                 { return Command{Op: OpFunctionMap} }
func GetPinFunction(p pins.ID) Command     { return Command{Op: OpGetPinFunction, Pin: p} }
func GetCurrentPinFunction(p pins.ID) Command {
	return Command{Op: OpGetCurrentPinFunction, Pin: p}
}
func SetPinFunction(p pins.ID, f pins.Function) Command {
	return Command{Op: OpSetPinFunction, Pin: p, Function: f}
}
func StartLoop() Command { return Command{Op: OpStartLoop} }
func StopLoop() Command  { return Command{Op: OpStopLoop} }

// HasPin reports whether the opcode carries a pin byte.
func (c Command) HasPin() bool {
	switch c.Op {
	case OpGetPinFunction, OpGetCurrentPinFunction, OpSetPinFunction:
		return true
	}
	return false
}

// Validate checks the pin and function payload against the capability table.
func (c Command) Validate() error {
	if int(c.Op) >= len(opcodeNames) {
		return fmt.Errorf("protocol: unknown opcode %d", byte(c.Op))
	}
	if c.HasPin() && !c.Pin.Valid() {
		return fmt.Errorf("protocol: %s: unsupported pin %s", c.Op, c.Pin)
	}
	if c.Op == OpSetPinFunction && !c.Function.Valid() {
		return fmt.Errorf("protocol: %s: unknown function %d", c.Op, c.Function)
	}
	return nil
}

// MarshalText renders the command as its String form in JSON output.
func (c Command) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText parses the String form, e.g. "setPinFunction(A5, readAnalog)".
func (c *Command) UnmarshalText(b []byte) error {
	name, args, _ := strings.Cut(strings.TrimSpace(string(b)), "(")
	r := Request{Op: name}
	if args = strings.TrimSuffix(args, ")"); args != "" {
		pin, fn, _ := strings.Cut(args, ",")
		r.Pin, r.Function = strings.TrimSpace(pin), strings.TrimSpace(fn)
	}
	cmd, err := r.Command()
	if err != nil {
		return err
	}
	*c = cmd
	return nil
}

func (c Command) String() string {
	switch c.Op {
	case OpSetPinFunction:
		return fmt.Sprintf("%s(%s, %s)", c.Op, c.Pin, c.Function)
	case OpGetPinFunction, OpGetCurrentPinFunction:
		return fmt.Sprintf("%s(%s)", c.Op, c.Pin)
	}
	return c.Op.String()
}
