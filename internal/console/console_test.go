package console

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/pinlink/internal/manager"
	"github.com/shaunagostinho/pinlink/internal/protocol"
	"github.com/shaunagostinho/pinlink/internal/session"
	"github.com/shaunagostinho/pinlink/internal/transport"
)

func box(frame []byte) []string {
	cmd, err := protocol.DefaultCodec.DecodeFrame(frame)
	if err != nil {
		return nil
	}
	switch cmd.Op {
	case protocol.OpGetPinFunction:
		return []string{"03124"}
	case protocol.OpGetCurrentPinFunction:
		return []string{"02"}
	case protocol.OpSetPinFunction, protocol.OpStartLoop, protocol.OpStopLoop:
		return []string{"0"}
	}
	return nil
}

func newTestConsole(t *testing.T) (*Console, *transport.Mock) {
	t.Helper()
	dev := transport.NewMock("/dev/ttyACM0")
	dev.OnWrite(box)
	opts := session.DefaultOptions()
	opts.ReadTimeout = 50 * time.Millisecond
	opts.SettleDelay = 0
	opts.ManualPoll = true
	mgr := manager.New(manager.Config{
		Opener: func(name string) (transport.Transport, error) {
			if name != dev.Name() {
				return nil, fmt.Errorf("open %s: no such file or directory", name)
			}
			return dev, nil
		},
		Enumerate: func() ([]transport.PortDescriptor, error) {
			return []transport.PortDescriptor{{Name: dev.Name(), IsUSB: true, VID: "2341", PID: "0043", Product: "Arduino Uno"}}, nil
		},
		Session: opts,
	})
	t.Cleanup(mgr.CloseAll)
	return New(mgr), dev
}

func run(t *testing.T, c *Console, line string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, c.Exec(&buf, line), line)
	return buf.String()
}

func TestConsoleSession(t *testing.T) {
	c, dev := newTestConsole(t)

	require.Contains(t, run(t, c, "ports"), "USB 2341:0043")
	require.Contains(t, run(t, c, "open 1 /dev/ttyACM0"), "slot 1")
	require.Contains(t, run(t, c, "ls"), "/dev/ttyACM0")

	require.Equal(t, "getCurrentPinFunction(7): writeDigital\n", run(t, c, "get 1 7"))
	require.Equal(t, "getPinFunction(5): readDigital, writeDigital, writeAnalog\n", run(t, c, "send 1 getPinFunction 5"))
	require.Equal(t, "setPinFunction(A5, readAnalog): 0\n", run(t, c, "set 1 A5 readAnalog"))

	out := run(t, c, "pins 1")
	require.Contains(t, out, "7   writeDigital")
	require.Contains(t, out, "A0  ?")

	require.Equal(t, "startLoop: ok\n", run(t, c, "start 1"))
	sess, err := c.mgr.Session(1)
	require.NoError(t, err)
	dev.Push("23.50", "24.10", "25.00")
	_, err = sess.Drain()
	require.NoError(t, err)

	out = run(t, c, "log 1 2")
	require.Contains(t, out, "24.10")
	require.NotContains(t, out, "23.50")
	require.Contains(t, out, "2 samples")

	path := filepath.Join(t.TempDir(), "run.csv")
	require.Contains(t, run(t, c, "export 1 "+path), "wrote 3 samples")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 4, strings.Count(string(data), "\n"))

	require.Equal(t, "stopLoop: ok\n", run(t, c, "stop 1"))
	require.Equal(t, "cleared 3 samples\n", run(t, c, "clear 1"))
	run(t, c, "close 1")
	require.Contains(t, run(t, c, "slots"), "1  -")
}

func TestConsoleErrors(t *testing.T) {
	c, _ := newTestConsole(t)
	var buf bytes.Buffer

	require.ErrorIs(t, c.Exec(&buf, "open 1"), errUsage)
	require.ErrorContains(t, c.Exec(&buf, "frobnicate"), "unknown command")
	require.ErrorContains(t, c.Exec(&buf, "get x 7"), "bad slot")
	require.ErrorIs(t, c.Exec(&buf, "get 2 7"), manager.ErrUnknownSlot)
	require.ErrorContains(t, c.Exec(&buf, "caps 13"), "out of range")
	require.NoError(t, c.Exec(&buf, ""))
}

func TestCaps(t *testing.T) {
	c, _ := newTestConsole(t)
	require.Equal(t, "5  disable, readDigital, writeDigital, writeAnalog\n", run(t, c, "caps 5"))
	out := run(t, c, "caps")
	require.Equal(t, 14, strings.Count(out, "\n"))
}

func TestWatch(t *testing.T) {
	c, _ := newTestConsole(t)
	v := 1.5
	sample := manager.Event{Slot: 2, Kind: session.EventSample, Time: time.Now(), Sample: &session.Sample{Raw: "1.50", Value: &v}}
	require.Empty(t, c.eventLine(sample))

	require.Equal(t, "watch on\n", run(t, c, "watch"))
	require.Contains(t, c.eventLine(sample), "[2 ")
	require.Contains(t, c.eventLine(sample), "1.50")
	require.Equal(t, "watch off\n", run(t, c, "watch off"))

	events := make(chan manager.Event, 2)
	events <- manager.Event{Slot: 1, Kind: session.EventError, Error: "device unplugged"}
	close(events)
	var buf bytes.Buffer
	c.Watch(context.Background(), &buf, events)
	require.Contains(t, buf.String(), "session ended: device unplugged")
}
