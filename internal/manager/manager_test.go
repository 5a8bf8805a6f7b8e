package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/pinlink/internal/metrics"
	"github.com/shaunagostinho/pinlink/internal/pins"
	"github.com/shaunagostinho/pinlink/internal/protocol"
	"github.com/shaunagostinho/pinlink/internal/session"
	"github.com/shaunagostinho/pinlink/internal/transport"
)

type mockPorts struct {
	mu    sync.Mutex
	mocks map[string]*transport.Mock
}

func newMockPorts(names ...string) *mockPorts {
	p := &mockPorts{mocks: make(map[string]*transport.Mock)}
	for _, n := range names {
		p.mocks[n] = transport.NewMock(n)
	}
	return p
}

func (p *mockPorts) open(name string) (transport.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.mocks[name]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file or directory", name)
	}
	return m, nil
}

func (p *mockPorts) enumerate() ([]transport.PortDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []transport.PortDescriptor
	for n := range p.mocks {
		out = append(out, transport.PortDescriptor{Name: n})
	}
	return out, nil
}

func newTestManager(ports *mockPorts) *Manager {
	opts := session.DefaultOptions()
	opts.ReadTimeout = 50 * time.Millisecond
	opts.SettleDelay = 0
	opts.ManualPoll = true
	return New(Config{
		Opener:    ports.open,
		Enumerate: ports.enumerate,
		Session:   opts,
		Metrics:   metrics.New(),
	})
}

func TestSlotBounds(t *testing.T) {
	ports := newMockPorts("/dev/ttyACM0")
	m := newTestManager(ports)
	defer m.CloseAll()

	require.Equal(t, DefaultSlots, m.MaxSlots())
	require.ErrorIs(t, m.Open(context.Background(), 0, "/dev/ttyACM0"), ErrInvalidSlot)
	require.ErrorIs(t, m.Open(context.Background(), 4, "/dev/ttyACM0"), ErrInvalidSlot)

	_, err := m.Dispatch(2, protocol.FunctionMap())
	require.ErrorIs(t, err, ErrUnknownSlot)
	require.NoError(t, m.Close(2))

	require.NoError(t, m.Open(context.Background(), 1, "/dev/ttyACM0"))
	require.ErrorIs(t, m.Open(context.Background(), 1, "/dev/ttyACM0"), ErrSlotBusy)

	slots := m.Slots()
	require.Len(t, slots, 3)
	require.True(t, slots[0].Open)
	require.Equal(t, session.Idle, slots[0].Session.State)
	require.False(t, slots[1].Open)
}

func TestOpenFailureFreesSlot(t *testing.T) {
	ports := newMockPorts("/dev/ttyACM0")
	m := newTestManager(ports)
	defer m.CloseAll()

	err := m.Open(context.Background(), 1, "/dev/ttyACM7")
	var ce *session.ConnectError
	require.True(t, errors.As(err, &ce))

	require.NoError(t, m.Open(context.Background(), 1, "/dev/ttyACM0"))
}

func TestListPorts(t *testing.T) {
	m := newTestManager(newMockPorts("/dev/ttyACM0"))
	ports, err := m.ListPorts()
	require.NoError(t, err)
	require.Equal(t, []transport.PortDescriptor{{Name: "/dev/ttyACM0"}}, ports)
}

func TestDispatchStreamingScenario(t *testing.T) {
	ports := newMockPorts("/dev/ttyACM0")
	dev := ports.mocks["/dev/ttyACM0"]
	m := newTestManager(ports)
	defer m.CloseAll()

	events, cancel := m.Subscribe(16)
	defer cancel()

	require.NoError(t, m.Open(context.Background(), 1, "/dev/ttyACM0"))
	dev.OnWrite(func([]byte) []string { return []string{"ok"} })

	resp, err := m.Dispatch(1, protocol.StartLoop())
	require.NoError(t, err)
	require.True(t, resp.Received)

	sess, err := m.Session(1)
	require.NoError(t, err)
	require.Equal(t, session.Streaming, sess.State())

	dev.Push("23.5", "24.1")
	_, err = sess.Drain()
	require.NoError(t, err)

	log := sess.Samples()
	require.Len(t, log, 2)
	require.Equal(t, 23.5, *log[0].Value)
	require.Equal(t, 24.1, *log[1].Value)

	var values []float64
	timeout := time.After(time.Second)
	for len(values) < 2 {
		select {
		case ev := <-events:
			if ev.Kind == session.EventSample {
				require.Equal(t, 1, ev.Slot)
				values = append(values, *ev.Sample.Value)
			}
		case <-timeout:
			t.Fatal("sample events not delivered")
		}
	}
	require.Equal(t, []float64{23.5, 24.1}, values)
}

func TestDispatchRoutesPinCommands(t *testing.T) {
	ports := newMockPorts("/dev/ttyACM0")
	dev := ports.mocks["/dev/ttyACM0"]
	m := newTestManager(ports)
	defer m.CloseAll()
	require.NoError(t, m.Open(context.Background(), 1, "/dev/ttyACM0"))

	dev.OnWrite(func([]byte) []string { return []string{"03"} })
	resp, err := m.Dispatch(1, protocol.GetCurrentPinFunction(pins.A(4)))
	require.NoError(t, err)
	require.Equal(t, pins.ReadAnalog, *resp.Function)

	sess, _ := m.Session(1)
	require.Equal(t, pins.ReadAnalog, sess.PinCache()[pins.A(4)])

	_, err = m.Dispatch(1, protocol.SetPinFunction(pins.D(7), pins.WriteAnalog))
	require.ErrorIs(t, err, session.ErrUnsupportedFunction)
}

func TestSetSessionOptionsAppliesToNewSessions(t *testing.T) {
	ports := newMockPorts("/dev/ttyACM0", "/dev/ttyACM1")
	one, two := ports.mocks["/dev/ttyACM0"], ports.mocks["/dev/ttyACM1"]
	m := newTestManager(ports)
	defer m.CloseAll()
	require.NoError(t, m.Open(context.Background(), 1, "/dev/ttyACM0"))

	opts := session.DefaultOptions()
	opts.Codec = protocol.NewCodec(10)
	opts.ReadTimeout = 50 * time.Millisecond
	opts.SettleDelay = 0
	m.SetSessionOptions(opts)
	require.NoError(t, m.Open(context.Background(), 2, "/dev/ttyACM1"))

	for _, dev := range []*transport.Mock{one, two} {
		dev.OnWrite(func([]byte) []string { return []string{"03"} })
	}
	_, err := m.Dispatch(1, protocol.GetCurrentPinFunction(pins.A(0)))
	require.NoError(t, err)
	_, err = m.Dispatch(2, protocol.GetCurrentPinFunction(pins.A(0)))
	require.NoError(t, err)

	require.Equal(t, [][]byte{{2, 14, '\r', '\n'}}, one.Writes())
	require.Equal(t, [][]byte{{2, 10, '\r', '\n'}}, two.Writes())
}

func TestTransportErrorIsolatedToItsSlot(t *testing.T) {
	ports := newMockPorts("/dev/ttyACM0", "/dev/ttyACM1")
	one, two := ports.mocks["/dev/ttyACM0"], ports.mocks["/dev/ttyACM1"]
	m := newTestManager(ports)
	defer m.CloseAll()

	events, cancel := m.Subscribe(16)
	defer cancel()

	require.NoError(t, m.Open(context.Background(), 1, "/dev/ttyACM0"))
	require.NoError(t, m.Open(context.Background(), 2, "/dev/ttyACM1"))
	one.OnWrite(func([]byte) []string { return []string{"ok"} })
	_, err := m.Dispatch(1, protocol.StartLoop())
	require.NoError(t, err)

	sess1, _ := m.Session(1)
	one.Fail(errors.New("device unplugged"))
	_, err = sess1.Drain()
	var te *session.TransportError
	require.True(t, errors.As(err, &te))

	_, err = m.Session(1)
	require.ErrorIs(t, err, ErrUnknownSlot)

	sess2, err := m.Session(2)
	require.NoError(t, err)
	require.Equal(t, session.Idle, sess2.State())
	two.OnWrite(func([]byte) []string { return []string{"02"} })
	resp, err := m.Dispatch(2, protocol.GetCurrentPinFunction(pins.D(8)))
	require.NoError(t, err)
	require.Equal(t, pins.WriteDigital, *resp.Function)

	errorsSeen := 0
	for {
		select {
		case ev := <-events:
			if ev.Kind == session.EventError {
				require.Equal(t, 1, ev.Slot)
				require.Contains(t, ev.Error, "device unplugged")
				errorsSeen++
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, errorsSeen)

	// the slot can be reused after the failure
	ports.mu.Lock()
	ports.mocks["/dev/ttyACM0"] = transport.NewMock("/dev/ttyACM0")
	ports.mu.Unlock()
	require.NoError(t, m.Open(context.Background(), 1, "/dev/ttyACM0"))
}

func TestSlowSlotDoesNotBlockOthers(t *testing.T) {
	ports := newMockPorts("/dev/ttyACM0", "/dev/ttyACM1")
	opts := session.DefaultOptions()
	opts.ReadTimeout = 400 * time.Millisecond
	opts.SettleDelay = 0
	opts.ManualPoll = true
	m := New(Config{Opener: ports.open, Enumerate: ports.enumerate, Session: opts})
	defer m.CloseAll()

	require.NoError(t, m.Open(context.Background(), 1, "/dev/ttyACM0"))
	require.NoError(t, m.Open(context.Background(), 2, "/dev/ttyACM1"))
	ports.mocks["/dev/ttyACM1"].OnWrite(func([]byte) []string { return []string{"01"} })

	slow := make(chan struct{})
	go func() {
		defer close(slow)
		m.Dispatch(1, protocol.FunctionMap())
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	_, err := m.Dispatch(2, protocol.GetCurrentPinFunction(pins.D(4)))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 200*time.Millisecond)
	require.NotNil(t, m.Slots()[1].Session)
	<-slow
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	dropped := 0
	h := NewHub(func() { dropped++ })
	ch, cancel := h.Subscribe(1)
	h.Publish(Event{Slot: 1})
	h.Publish(Event{Slot: 2})
	require.Equal(t, 1, dropped)
	require.Equal(t, 1, (<-ch).Slot)

	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)
	require.Zero(t, h.Subscribers())
	h.Publish(Event{Slot: 3})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ports := newMockPorts("/dev/ttyACM0")
	m := newTestManager(ports)
	defer m.CloseAll()

	kept, stopKept := m.Subscribe(16)
	defer stopKept()
	gone, stopGone := m.Subscribe(16)
	stopGone()
	_, ok := <-gone
	require.False(t, ok)
	require.Equal(t, 1, m.hub.Subscribers())

	require.NoError(t, m.Open(context.Background(), 1, "/dev/ttyACM0"))
	require.NoError(t, m.Close(1))
	require.Equal(t, session.Idle, (<-kept).State)
	require.Equal(t, session.Disconnected, (<-kept).State)
}
