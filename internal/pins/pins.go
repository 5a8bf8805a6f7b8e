package pins

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind separates the two pin banks of the board.
type Kind uint8

const (
	Digital Kind = iota
	Analog
)

const (
	// MinDigital and MaxDigital bound the digital header pins the firmware exposes.
	MinDigital = 4
	MaxDigital = 11
	// AnalogCount is the number of analog inputs A0..A5.
	AnalogCount = 6

	// DefaultAnalogOffset maps A0 to pin code 14, the Arduino Uno numbering
	// the firmware compares against. Some host builds used 10; see Codec.
	DefaultAnalogOffset = 14
)

// ID identifies one physical pin.
type ID struct {
	Kind  Kind
	Index uint8 // digital pin number, or analog channel 0..5
}

// D returns the digital pin n. It does not validate the range; use Valid.
func D(n int) ID { return ID{Kind: Digital, Index: uint8(n)} }

// A returns the analog pin k. It does not validate the range; use Valid.
func A(k int) ID { return ID{Kind: Analog, Index: uint8(k)} }

// Valid reports whether the pin is in the supported set.
func (p ID) Valid() bool {
	switch p.Kind {
	case Digital:
		return p.Index >= MinDigital && p.Index <= MaxDigital
	case Analog:
		return p.Index < AnalogCount
	}
	return false
}

// String returns the board label ("4", "A0").
func (p ID) String() string {
	if p.Kind == Analog {
		return "A" + strconv.Itoa(int(p.Index))
	}
	return strconv.Itoa(int(p.Index))
}

// MarshalText implements encoding.TextMarshaler so pins serialize as labels.
func (p ID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ID) UnmarshalText(b []byte) error {
	id, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// Parse reads a board label such as "7", "A3" or "a3".
func Parse(label string) (ID, error) {
	s := strings.TrimSpace(label)
	if s == "" {
		return ID{}, fmt.Errorf("pins: empty pin label")
	}
	if s[0] == 'A' || s[0] == 'a' {
		k, err := strconv.Atoi(s[1:])
		if err != nil {
			return ID{}, fmt.Errorf("pins: bad analog pin %q", label)
		}
		if k < 0 || k >= AnalogCount {
			return ID{}, fmt.Errorf("pins: pin %q out of range", label)
		}
		return A(k), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return ID{}, fmt.Errorf("pins: bad pin %q", label)
	}
	if n < MinDigital || n > MaxDigital {
		return ID{}, fmt.Errorf("pins: pin %q out of range", label)
	}
	return D(n), nil
}

// Codec translates pins to and from the single-byte code sent on the wire.
type Codec struct {
	AnalogOffset int
}

// DefaultCodec uses DefaultAnalogOffset.
var DefaultCodec = Codec{AnalogOffset: DefaultAnalogOffset}

// Code returns the wire code for p.
func (c Codec) Code(p ID) byte {
	if p.Kind == Analog {
		return byte(c.AnalogOffset + int(p.Index))
	}
	return p.Index
}

// FromCode is the inverse of Code. Digital codes win when the analog
// offset overlaps the digital range.
func (c Codec) FromCode(code byte) (ID, bool) {
	if d := D(int(code)); d.Valid() {
		return d, true
	}
	k := int(code) - c.AnalogOffset
	if a := A(k); k >= 0 && a.Valid() {
		return a, true
	}
	return ID{}, false
}
