package session

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/pinlink/internal/pins"
	"github.com/shaunagostinho/pinlink/internal/protocol"
)

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota
	Idle
	AwaitingResponse
	Streaming
)

var stateNames = [...]string{
	Disconnected:     "disconnected",
	Idle:             "idle",
	AwaitingResponse: "awaitingResponse",
	Streaming:        "streaming",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// Sample is one line captured while streaming.
type Sample struct {
	Timestamp time.Time     `json:"timestamp"`
	Elapsed   time.Duration `json:"elapsed"` // since the loop was started
	Raw       string        `json:"raw"`
	Value     *float64      `json:"value,omitempty"`
	Pin       *pins.ID      `json:"pin,omitempty"`
}

// Parsed reports whether the line carried a numeric value.
func (s Sample) Parsed() bool { return s.Value != nil }

func newSample(d protocol.DecodedLine, now, start time.Time) Sample {
	s := Sample{Timestamp: now, Elapsed: now.Sub(start), Raw: d.Raw}
	if d.Numeric() {
		v := d.Value
		s.Value = &v
	}
	if d.Kind == protocol.LinePinValue {
		p := d.Pin
		s.Pin = &p
	}
	return s
}

// Response is the outcome of one request/response exchange.
type Response struct {
	Command   protocol.Command `json:"command"`
	Line      string           `json:"line,omitempty"`
	Received  bool             `json:"received"` // false: acknowledged, no response
	Function  *pins.Function   `json:"function,omitempty"`
	Functions []pins.Function  `json:"functions,omitempty"`
}

// NoReply returns a Timeout ProtocolError when the device did not answer,
// for callers that treat silence as a failure.
func (r Response) NoReply() error {
	if r.Received {
		return nil
	}
	return &ProtocolError{Kind: Timeout, Command: r.Command}
}

// Info is a point-in-time summary of a session.
type Info struct {
	Port        string    `json:"port"`
	State       State     `json:"state"`
	OpenedAt    time.Time `json:"openedAt"`
	StreamStart time.Time `json:"streamStart,omitempty"`
	Samples     int       `json:"samples"`
	Sent        int64     `json:"sent"`
	Timeouts    int64     `json:"timeouts"`
	LastError   string    `json:"lastError,omitempty"`
}

// EventKind names the events a session emits.
type EventKind string

const (
	EventSample EventKind = "sample"
	EventState  EventKind = "state"
	EventError  EventKind = "error"
)

// Event is delivered to Options.Handler. Handlers run on the session's own
// goroutines and must not block or call back into the session's I/O methods.
type Event struct {
	Kind   EventKind `json:"kind"`
	Port   string    `json:"port"`
	Time   time.Time `json:"time"`
	State  State     `json:"state"`
	Sample *Sample   `json:"sample,omitempty"`
	Err    error     `json:"-"`
}
