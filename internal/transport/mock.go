package transport

import (
	"sync"
	"time"
)

// Responder produces the lines a fake device prints after receiving frame.
type Responder func(frame []byte) []string

// Mock implements Transport for testing purposes. It records every write,
// lets the test script replies and unsolicited lines, and counts writes
// issued before the previous write's reply was read.
type Mock struct {
	name string
	q    *lineQueue

	mu         sync.Mutex
	respond    Responder
	writes     [][]byte
	writeErr   error
	writeDelay time.Duration
	closeDelay time.Duration
	failed     bool
	awaiting   bool
	overlaps   int
	reads      int
}

// NewMock creates an open mock transport.
func NewMock(name string) *Mock {
	return &Mock{name: name, q: newLineQueue()}
}

// OnWrite installs a responder for subsequent writes.
func (m *Mock) OnWrite(r Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = r
}

func (m *Mock) Name() string { return m.name }

// Write stores a copy of frame and queues the responder's lines.
func (m *Mock) Write(frame []byte) error {
	m.mu.Lock()
	delay := m.writeDelay
	if m.q.isClosed() {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return err
	}
	if m.awaiting {
		m.overlaps++
	}
	m.awaiting = true
	dataCopy := make([]byte, len(frame))
	copy(dataCopy, frame)
	m.writes = append(m.writes, dataCopy)
	respond := m.respond
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if respond != nil {
		m.Push(respond(dataCopy)...)
	}
	return nil
}

func (m *Mock) ReadLine(timeout time.Duration) (string, error) {
	m.mu.Lock()
	m.awaiting = false
	m.reads++
	m.mu.Unlock()
	return m.q.readLine(timeout)
}

func (m *Mock) DrainLines() ([]string, error) {
	return m.q.drain()
}

// Close closes the mock; it is idempotent.
func (m *Mock) Close() error {
	m.mu.Lock()
	delay := m.closeDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	m.q.shut()
	return nil
}

// Push queues unsolicited lines as if the device printed them.
func (m *Mock) Push(lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed {
		return
	}
	for _, l := range lines {
		if !m.q.push(l) {
			return
		}
	}
}

// Fail makes the read side fail with err after any queued lines.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed {
		return
	}
	m.failed = true
	m.q.fail(err)
}

// SetWriteError sets an error to be returned on subsequent writes.
func (m *Mock) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetWriteDelay makes each write take d, widening race windows in tests.
func (m *Mock) SetWriteDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDelay = d
}

// SetCloseDelay makes Close take d before the read side is shut, like a
// driver that is slow to release the port.
func (m *Mock) SetCloseDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeDelay = d
}

// Writes returns all individual write operations.
func (m *Mock) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.writes))
	for i, w := range m.writes {
		result[i] = append([]byte(nil), w...)
	}
	return result
}

// Overlaps counts writes that arrived while an earlier write was still
// waiting for its read.
func (m *Mock) Overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}

// Reads counts ReadLine calls.
func (m *Mock) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	return m.q.isClosed()
}
