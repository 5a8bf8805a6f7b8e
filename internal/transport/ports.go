package transport

import (
	"fmt"
	"log"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortDescriptor describes a serial port the host can open.
type PortDescriptor struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Enumerator lists ports. ListPorts is the default; tests swap in a fake.
type Enumerator func() ([]PortDescriptor, error)

// Swapped in tests.
var (
	detailedPorts = enumerator.GetDetailedPortsList
	portNames     = serial.GetPortsList
)

// ListPorts enumerates serial ports with USB details where the platform
// provides them, falling back to bare names.
func ListPorts() ([]PortDescriptor, error) {
	details, err := detailedPorts()
	if err == nil {
		out := make([]PortDescriptor, 0, len(details))
		for _, d := range details {
			out = append(out, PortDescriptor{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		sortPorts(out)
		return out, nil
	}

	log.Printf("[serial] detailed port list unavailable: %v", err)
	names, nerr := portNames()
	if nerr != nil {
		return nil, fmt.Errorf("transport: failed to list ports: %w", nerr)
	}
	out := make([]PortDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, PortDescriptor{Name: n})
	}
	sortPorts(out)
	return out, nil
}

func sortPorts(ps []PortDescriptor) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
}
