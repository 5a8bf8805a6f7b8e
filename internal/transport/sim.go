package transport

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/pinlink/internal/pins"
	"github.com/shaunagostinho/pinlink/internal/protocol"
)

// Sim emulates TestBox firmware for development and demo mode. It answers
// configuration commands from its own pin table and, while looping, prints
// a simulated A0 reading every Interval.
type Sim struct {
	name     string
	codec    *protocol.Codec
	interval time.Duration
	q        *lineQueue

	mu       sync.Mutex
	selected map[pins.ID]pins.Function
	looping  bool
	stop     chan struct{}
	t        float64 // virtual time accumulator
	rng      *rand.Rand
	closed   bool
}

// NewSim creates a simulated device. A zero interval uses the firmware's
// 100 ms loop delay.
func NewSim(name string, codec *protocol.Codec, interval time.Duration) *Sim {
	if codec == nil {
		codec = protocol.DefaultCodec
	}
	if interval <= 0 {
		interval = protocol.PollInterval
	}
	s := &Sim{
		name:     name,
		codec:    codec,
		interval: interval,
		q:        newLineQueue(),
		selected: make(map[pins.ID]pins.Function),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.q.tryPush("Debug Start")
	return s
}

// SimOpener returns an Opener producing a fresh Sim per port name.
func SimOpener(codec *protocol.Codec, interval time.Duration) Opener {
	return func(name string) (Transport, error) {
		log.Printf("[sim] simulated TestBox on %s", name)
		return NewSim(name, codec, interval), nil
	}
}

func (s *Sim) Name() string { return s.name }

func (s *Sim) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cmd, err := s.codec.DecodeFrame(frame)
	if err != nil {
		// the firmware ignores bytes it does not understand
		return nil
	}
	for _, line := range s.handle(cmd) {
		s.q.tryPush(line)
	}
	return nil
}

// handle runs one command with s.mu held and returns the reply lines.
func (s *Sim) handle(cmd protocol.Command) []string {
	const ok = "0"
	if s.looping && cmd.Op != protocol.OpStopLoop {
		// only stopLoop is read while the looper task runs
		return nil
	}
	switch cmd.Op {
	case protocol.OpFunctionMap:
		return nil
	case protocol.OpGetPinFunction:
		declared := pins.Declared(cmd.Pin)
		var b strings.Builder
		b.WriteString(ok)
		b.WriteString(strconv.Itoa(len(declared)))
		for _, f := range declared {
			b.WriteString(strconv.Itoa(int(f)))
		}
		return []string{b.String()}
	case protocol.OpGetCurrentPinFunction:
		return []string{ok + strconv.Itoa(int(s.selected[cmd.Pin]))}
	case protocol.OpSetPinFunction:
		s.selected[cmd.Pin] = cmd.Function
		return []string{ok}
	case protocol.OpStartLoop:
		s.looping = true
		s.stop = make(chan struct{})
		go s.loop(s.stop)
		return []string{ok}
	case protocol.OpStopLoop:
		if s.looping {
			s.looping = false
			close(s.stop)
		}
		return []string{ok}
	}
	return nil
}

func (s *Sim) loop(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.looping || s.closed {
				s.mu.Unlock()
				return
			}
			s.q.tryPush(s.reading())
			s.mu.Unlock()
		}
	}
}

// reading simulates analogRead(A0) printed with two decimals.
func (s *Sim) reading() string {
	s.t += s.interval.Seconds()
	v := 512 + 400*math.Sin(s.t*0.8) + s.rng.Float64()*12 - 6
	if v < 0 {
		v = 0
	}
	if v > 1023 {
		v = 1023
	}
	return fmt.Sprintf("%.2f", math.Round(v))
}

func (s *Sim) ReadLine(timeout time.Duration) (string, error) {
	return s.q.readLine(timeout)
}

func (s *Sim) DrainLines() ([]string, error) {
	return s.q.drain()
}

func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.looping {
		s.looping = false
		close(s.stop)
	}
	s.mu.Unlock()
	s.q.shut()
	return nil
}
