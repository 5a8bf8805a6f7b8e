// Package manager keeps one session per logical slot and routes commands
// to them. Slots are independent: the manager lock is never held across
// device I/O, so a slow or failing port cannot stall another slot.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/pinlink/internal/metrics"
	"github.com/shaunagostinho/pinlink/internal/protocol"
	"github.com/shaunagostinho/pinlink/internal/session"
	"github.com/shaunagostinho/pinlink/internal/transport"
)

// DefaultSlots matches the three-port bench layout.
const DefaultSlots = 3

var (
	ErrInvalidSlot = errors.New("manager: slot out of range")
	ErrSlotBusy    = errors.New("manager: slot busy")
	ErrUnknownSlot = errors.New("manager: no session in slot")
)

// Config holds the collaborators a Manager needs.
type Config struct {
	Slots     int
	Opener    transport.Opener
	Enumerate transport.Enumerator
	// Session is the template for every session; Handler is replaced.
	Session session.Options
	Metrics *metrics.Metrics
}

// SlotInfo describes one slot for listings.
type SlotInfo struct {
	Slot    int           `json:"slot"`
	Open    bool          `json:"open"`
	Session *session.Info `json:"session,omitempty"`
}

type slot struct {
	sess *session.Session // nil while opening
}

type Manager struct {
	cfg Config
	hub *Hub

	mu    sync.RWMutex
	slots map[int]*slot
}

func New(cfg Config) *Manager {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.Opener == nil {
		cfg.Opener = transport.SerialOpener(protocol.BaudRate)
	}
	if cfg.Enumerate == nil {
		cfg.Enumerate = transport.ListPorts
	}
	return &Manager{
		cfg:   cfg,
		hub:   NewHub(cfg.Metrics.EventDropped),
		slots: make(map[int]*slot),
	}
}

// MaxSlots returns N; valid slots are 1..N.
func (m *Manager) MaxSlots() int { return m.cfg.Slots }

// ListPorts enumerates the ports that could be opened.
func (m *Manager) ListPorts() ([]transport.PortDescriptor, error) {
	return m.cfg.Enumerate()
}

// SetSessionOptions replaces the template for sessions opened from now on.
// Open sessions keep their options; ManualPoll stays as configured at New.
func (m *Manager) SetSessionOptions(opts session.Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts.ManualPoll = m.cfg.Session.ManualPoll
	m.cfg.Session = opts
}

// Subscribe receives events from every slot.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.hub.Subscribe(buffer)
}

func (m *Manager) checkSlot(n int) error {
	if n < 1 || n > m.cfg.Slots {
		return fmt.Errorf("%w: %d (have 1..%d)", ErrInvalidSlot, n, m.cfg.Slots)
	}
	return nil
}

// Open attaches a new session on port at slot n. The slot is reserved
// before the port is opened, so a concurrent Open of the same slot gets
// ErrSlotBusy rather than racing.
func (m *Manager) Open(ctx context.Context, n int, port string) error {
	if err := m.checkSlot(n); err != nil {
		return err
	}
	m.mu.Lock()
	if _, busy := m.slots[n]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSlotBusy, n)
	}
	entry := &slot{}
	m.slots[n] = entry
	opts := m.cfg.Session
	m.mu.Unlock()

	opts.Handler = func(ev session.Event) { m.handle(n, entry, ev) }
	sess, err := session.Open(ctx, port, m.cfg.Opener, opts)

	m.mu.Lock()
	if err != nil {
		if m.slots[n] == entry {
			delete(m.slots, n)
		}
		m.mu.Unlock()
		m.cfg.Metrics.ConnectFailed()
		log.Printf("[manager] slot %d: open %s failed: %v", n, port, err)
		return err
	}
	entry.sess = sess
	m.mu.Unlock()

	m.cfg.Metrics.SessionOpened()
	log.Printf("[manager] slot %d: opened %s", n, port)
	return nil
}

// Close closes and removes the session at slot n. An empty slot is a no-op.
func (m *Manager) Close(n int) error {
	if err := m.checkSlot(n); err != nil {
		return err
	}
	m.mu.Lock()
	entry, ok := m.slots[n]
	if !ok || entry.sess == nil {
		m.mu.Unlock()
		return nil
	}
	delete(m.slots, n)
	m.mu.Unlock()

	entry.sess.Close()
	m.cfg.Metrics.SessionClosed(n)
	log.Printf("[manager] slot %d: closed %s", n, entry.sess.Port())
	return nil
}

// CloseAll closes every slot concurrently.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	var open []int
	for n, entry := range m.slots {
		if entry.sess != nil {
			open = append(open, n)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, n := range open {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Close(n)
		}(n)
	}
	wg.Wait()
}

// Session returns the live session at slot n.
func (m *Manager) Session(n int) (*session.Session, error) {
	if err := m.checkSlot(n); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.slots[n]
	if !ok || entry.sess == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlot, n)
	}
	return entry.sess, nil
}

// Slots lists every slot 1..N.
func (m *Manager) Slots() []SlotInfo {
	out := make([]SlotInfo, 0, m.cfg.Slots)
	for n := 1; n <= m.cfg.Slots; n++ {
		info := SlotInfo{Slot: n}
		if sess, err := m.Session(n); err == nil {
			si := sess.Info()
			info.Open, info.Session = true, &si
		}
		out = append(out, info)
	}
	return out
}

// Dispatch runs cmd on the session at slot n. Loop commands switch the
// session into or out of streaming; the pin commands go through the
// session's validating and caching paths.
func (m *Manager) Dispatch(n int, cmd protocol.Command) (session.Response, error) {
	sess, err := m.Session(n)
	if err != nil {
		return session.Response{Command: cmd}, err
	}

	start := time.Now()
	var resp session.Response
	switch cmd.Op {
	case protocol.OpStartLoop:
		err = sess.StartStreaming()
		resp = session.Response{Command: cmd, Received: err == nil}
	case protocol.OpStopLoop:
		err = sess.StopStreaming()
		resp = session.Response{Command: cmd, Received: err == nil}
	case protocol.OpGetCurrentPinFunction:
		resp, err = sess.GetCurrentPinFunction(cmd.Pin)
	case protocol.OpGetPinFunction:
		resp, err = sess.GetPinFunction(cmd.Pin)
	case protocol.OpSetPinFunction:
		resp, err = sess.SetPinFunction(cmd.Pin, cmd.Function)
	default:
		resp, err = sess.Send(cmd)
	}
	m.cfg.Metrics.Command(cmd.Op.String(), time.Since(start), err)
	return resp, err
}

// handle runs on the session's goroutines. It must not block.
func (m *Manager) handle(n int, entry *slot, ev session.Event) {
	switch ev.Kind {
	case session.EventSample:
		m.cfg.Metrics.Sample(n, ev.Sample.Parsed())
	case session.EventState:
		m.cfg.Metrics.Streaming(n, ev.State == session.Streaming)
	case session.EventError:
		m.cfg.Metrics.TransportError(n)
		m.mu.Lock()
		removed := m.slots[n] == entry
		if removed {
			delete(m.slots, n)
		}
		live := entry.sess != nil
		m.mu.Unlock()
		if removed && live {
			m.cfg.Metrics.SessionClosed(n)
		}
		log.Printf("[manager] slot %d: session ended: %v", n, ev.Err)
	}
	m.hub.Publish(slotEvent(n, ev))
}
