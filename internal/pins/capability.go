package pins

import (
	"fmt"
	"strconv"
	"strings"
)

// Function is a role a pin can be assigned. Values are the firmware codes.
type Function uint8

const (
	Disable Function = iota
	ReadDigital
	WriteDigital
	ReadAnalog
	WriteAnalog
)

var functionNames = [...]string{
	Disable:      "disable",
	ReadDigital:  "readDigital",
	WriteDigital: "writeDigital",
	ReadAnalog:   "readAnalog",
	WriteAnalog:  "writeAnalog",
}

// Valid reports whether f is a known function code.
func (f Function) Valid() bool { return int(f) < len(functionNames) }

func (f Function) String() string {
	if !f.Valid() {
		return "function(" + strconv.Itoa(int(f)) + ")"
	}
	return functionNames[f]
}

// MarshalText implements encoding.TextMarshaler.
func (f Function) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Function) UnmarshalText(b []byte) error {
	v, err := ParseFunction(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseFunction accepts a function name (case-insensitive) or its code digit.
func ParseFunction(s string) (Function, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if f := Function(n); n >= 0 && f.Valid() {
			return f, nil
		}
		return 0, fmt.Errorf("pins: unknown function code %d", n)
	}
	for i, name := range functionNames {
		if strings.EqualFold(name, s) {
			return Function(i), nil
		}
	}
	return 0, fmt.Errorf("pins: unknown function %q", s)
}

// implicit functions every pin accepts, whether or not the table lists them.
var implicit = []Function{Disable, ReadDigital, WriteDigital}

// capabilities mirrors the firmware's NewPinConfiguration table.
var capabilities = func() map[ID][]Function {
	m := make(map[ID][]Function, MaxDigital-MinDigital+1+AnalogCount)
	for n := MinDigital; n <= MaxDigital; n++ {
		m[D(n)] = []Function{ReadDigital, WriteDigital}
	}
	for _, n := range []int{5, 6, 9, 10, 11} {
		m[D(n)] = append(m[D(n)], WriteAnalog)
	}
	for k := 0; k < AnalogCount; k++ {
		m[A(k)] = []Function{ReadDigital, WriteDigital, ReadAnalog}
	}
	return m
}()

// All returns every supported pin, digital first, in board order.
func All() []ID {
	ids := make([]ID, 0, len(capabilities))
	for n := MinDigital; n <= MaxDigital; n++ {
		ids = append(ids, D(n))
	}
	for k := 0; k < AnalogCount; k++ {
		ids = append(ids, A(k))
	}
	return ids
}

// Declared returns the functions the firmware table lists for p, in table
// order. The result is a copy; nil if p is unsupported.
func Declared(p ID) []Function {
	fs, ok := capabilities[p]
	if !ok {
		return nil
	}
	return append([]Function(nil), fs...)
}

// Capabilities returns the full legal set for p: the implicit functions
// followed by the declared ones, without duplicates.
func Capabilities(p ID) []Function {
	declared, ok := capabilities[p]
	if !ok {
		return nil
	}
	out := make([]Function, 0, len(implicit)+len(declared))
	seen := make(map[Function]bool, cap(out))
	for _, f := range append(append([]Function(nil), implicit...), declared...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Supports reports whether p may be assigned f.
func Supports(p ID, f Function) bool {
	for _, c := range Capabilities(p) {
		if c == f {
			return true
		}
	}
	return false
}
