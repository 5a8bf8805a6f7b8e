package transport

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialConfig holds the line settings for a TestBox port.
type SerialConfig struct {
	Port     string `yaml:"port" json:"port"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// pollTimeout bounds each blocking Read in the pump so Close is noticed
// even on drivers that do not unblock reads when the port closes.
const pollTimeout = 100 * time.Millisecond

// Serial is a Transport over a go.bug.st/serial port, 8N1.
type Serial struct {
	name string
	port serial.Port
	q    *lineQueue

	wmu sync.Mutex
}

// OpenSerial opens cfg.Port and starts the reader.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(pollTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: failed to set timeout on %s: %w", cfg.Port, err)
	}
	// discard whatever the OS buffered before we opened
	port.ResetInputBuffer()

	s := &Serial{name: cfg.Port, port: port, q: newLineQueue()}
	go s.q.pump(port)
	log.Printf("[serial] opened %s at %d baud", cfg.Port, cfg.BaudRate)
	return s, nil
}

// SerialOpener returns an Opener that opens real ports at baud.
func SerialOpener(baud int) Opener {
	return func(name string) (Transport, error) {
		return OpenSerial(SerialConfig{Port: name, BaudRate: baud})
	}
}

func (s *Serial) Name() string { return s.name }

func (s *Serial) Write(frame []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.q.isClosed() {
		return ErrClosed
	}
	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("transport: write %s: %w", s.name, err)
	}
	return nil
}

func (s *Serial) ReadLine(timeout time.Duration) (string, error) {
	return s.q.readLine(timeout)
}

func (s *Serial) DrainLines() ([]string, error) {
	return s.q.drain()
}

// Close is safe to call more than once.
func (s *Serial) Close() error {
	if !s.q.shut() {
		return nil
	}
	log.Printf("[serial] closing %s", s.name)
	return s.port.Close()
}
