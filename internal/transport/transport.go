// Package transport carries newline-framed text between the host and one
// TestBox device. A background reader splits inbound bytes into lines so
// callers can wait for one reply with a deadline or take everything that
// arrived since the last look.
package transport

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by ReadLine when no line arrived in time.
	ErrTimeout = errors.New("transport: read timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Transport is one open link to a device.
type Transport interface {
	// Name identifies the link in logs, usually the port path.
	Name() string
	// Write sends one complete frame.
	Write(frame []byte) error
	// ReadLine waits up to timeout for the next line. A zero timeout only
	// returns a line that is already buffered.
	ReadLine(timeout time.Duration) (string, error)
	// DrainLines returns every buffered line without blocking. A non-nil
	// error means the link failed; lines received before the failure are
	// still returned.
	DrainLines() ([]string, error)
	// Close releases the link and unblocks pending reads.
	Close() error
}

// Opener acquires a transport. Session and manager take one so tests and
// demo mode can substitute Mock or Sim for a real port.
type Opener func(name string) (Transport, error)

const lineQueueSize = 1024

// MaxLineLength bounds one inbound line. Longer runs without a newline are
// split into lines of this length.
const MaxLineLength = 4096

// lineQueue buffers received lines for ReadLine/DrainLines. A single
// producer pushes lines and finally calls fail, which closes the channel.
type lineQueue struct {
	lines chan string

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{
		lines: make(chan string, lineQueueSize),
		done:  make(chan struct{}),
	}
}

// push queues one line. It returns false once the queue has been shut.
func (q *lineQueue) push(line string) bool {
	select {
	case q.lines <- line:
		return true
	case <-q.done:
		return false
	}
}

// tryPush queues one line without blocking; a full queue drops it.
func (q *lineQueue) tryPush(line string) bool {
	select {
	case q.lines <- line:
		return true
	default:
		return false
	}
}

// fail records the terminal error and closes the line channel. Only the
// producer may call it, once.
func (q *lineQueue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	close(q.lines)
}

// shut marks the queue closed by its owner; further reads report ErrClosed.
func (q *lineQueue) shut() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	close(q.done)
	return true
}

func (q *lineQueue) terminal() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.err == nil {
		return ErrClosed
	}
	return q.err
}

func (q *lineQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *lineQueue) readLine(timeout time.Duration) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}
	if timeout <= 0 {
		select {
		case line, ok := <-q.lines:
			if !ok {
				return "", q.terminal()
			}
			return line, nil
		default:
			return "", ErrTimeout
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line, ok := <-q.lines:
		if !ok {
			return "", q.terminal()
		}
		return line, nil
	case <-q.done:
		return "", ErrClosed
	case <-timer.C:
		return "", ErrTimeout
	}
}

func (q *lineQueue) drain() ([]string, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	var out []string
	for {
		select {
		case line, ok := <-q.lines:
			if !ok {
				return out, q.terminal()
			}
			out = append(out, line)
		default:
			return out, nil
		}
	}
}

// pump reads r until it fails, splitting on '\n' and trimming '\r'. Reads
// that return no data and no error (a serial read timeout) are retried.
func (q *lineQueue) pump(r io.Reader) {
	buf := make([]byte, 256)
	var partial strings.Builder
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b != '\n' {
				partial.WriteByte(b)
				if partial.Len() < MaxLineLength {
					continue
				}
			}
			line := strings.TrimRight(partial.String(), "\r")
			partial.Reset()
			if !q.push(line) {
				q.fail(ErrClosed)
				return
			}
		}
		if err != nil {
			q.fail(err)
			return
		}
		if n == 0 && q.isClosed() {
			q.fail(ErrClosed)
			return
		}
	}
}
