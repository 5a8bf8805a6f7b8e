package protocol

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/pinlink/internal/pins"
)

// Request is the textual form of a Command accepted by the HTTP, WebSocket
// and MQTT front ends, e.g. {"op":"setPinFunction","pin":"A5","function":"readAnalog"}.
type Request struct {
	Op       string `json:"op"`
	Pin      string `json:"pin,omitempty"`
	Function string `json:"function,omitempty"`
}

// Command parses and validates the request.
func (r Request) Command() (Command, error) {
	op, err := ParseOpcode(r.Op)
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Op: op}
	if cmd.HasPin() {
		if r.Pin == "" {
			return Command{}, fmt.Errorf("protocol: %s needs a pin", op)
		}
		if cmd.Pin, err = pins.Parse(r.Pin); err != nil {
			return Command{}, err
		}
	}
	if op == OpSetPinFunction {
		if r.Function == "" {
			return Command{}, fmt.Errorf("protocol: %s needs a function", op)
		}
		if cmd.Function, err = pins.ParseFunction(r.Function); err != nil {
			return Command{}, err
		}
	}
	return cmd, cmd.Validate()
}

// ParseRequest reads the space separated form "setPinFunction A5 readAnalog".
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("protocol: empty command")
	}
	if len(fields) > 3 {
		return Request{}, fmt.Errorf("protocol: too many arguments in %q", line)
	}
	r := Request{Op: fields[0]}
	if len(fields) > 1 {
		r.Pin = fields[1]
	}
	if len(fields) > 2 {
		r.Function = fields[2]
	}
	return r, nil
}
