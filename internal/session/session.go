// Package session runs the TestBox protocol over one transport: the
// request/response exchange, the switch into and out of streaming, the pin
// function cache and the captured sample log.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/pinlink/internal/pins"
	"github.com/shaunagostinho/pinlink/internal/protocol"
	"github.com/shaunagostinho/pinlink/internal/transport"
)

// Options configures a session. Start from DefaultOptions; zero SettleDelay
// and OpenDelay mean no wait.
type Options struct {
	Codec        *protocol.Codec
	ReadTimeout  time.Duration
	SettleDelay  time.Duration
	PollInterval time.Duration
	OpenDelay    time.Duration
	// ProbeOnOpen queries every pin's current function after opening.
	ProbeOnOpen bool
	// ManualPoll disables the built-in Capture; the caller drives Drain.
	ManualPoll bool
	Handler    func(Event)
}

// DefaultOptions returns the timings observed on the TestBox firmware.
func DefaultOptions() Options {
	return Options{
		Codec:        protocol.DefaultCodec,
		ReadTimeout:  protocol.ReadTimeout,
		SettleDelay:  protocol.SettleDelay,
		PollInterval: protocol.PollInterval,
	}
}

// Session owns one transport. All exchanges and drains are serialized by
// io; state, cache and log are guarded by mu, which is never held across
// transport I/O.
type Session struct {
	port  string
	t     transport.Transport
	opts  Options
	codec *protocol.Codec

	io sync.Mutex

	mu          sync.Mutex
	state       State
	closing     bool
	cache       map[pins.ID]pins.Function
	samples     []Sample
	openedAt    time.Time
	streamStart time.Time
	sent        int64
	timeouts    int64
	lastErr     error
	cancel      context.CancelFunc

	wg sync.WaitGroup
}

// Open acquires the transport for port and returns an Idle session. On
// failure no session exists and the error is a *ConnectError.
func Open(ctx context.Context, port string, open transport.Opener, opts Options) (*Session, error) {
	def := DefaultOptions()
	if opts.Codec == nil {
		opts.Codec = def.Codec
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}

	t, err := open(port)
	if err != nil {
		return nil, &ConnectError{Port: port, Err: err}
	}
	s := &Session{
		port:     port,
		t:        t,
		opts:     opts,
		codec:    opts.Codec,
		state:    Idle,
		cache:    make(map[pins.ID]pins.Function),
		openedAt: time.Now(),
	}

	abort := func(err error) (*Session, error) {
		t.Close()
		return nil, &ConnectError{Port: port, Err: err}
	}
	if opts.OpenDelay > 0 {
		timer := time.NewTimer(opts.OpenDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return abort(ctx.Err())
		case <-timer.C:
		}
	}
	if err := s.discardStale("boot"); err != nil {
		return abort(err)
	}
	if opts.ProbeOnOpen {
		if err := s.probe(ctx); err != nil {
			return abort(err)
		}
	}

	log.Printf("[session] %s opened", port)
	s.emit(Event{Kind: EventState, State: Idle})
	return s, nil
}

// probe fills the pin cache. Only a transport failure or cancellation
// aborts it; pins that do not answer keep no cache entry.
func (s *Session) probe(ctx context.Context) error {
	for _, p := range pins.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := s.GetCurrentPinFunction(p)
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		if err == nil {
			err = resp.NoReply()
		}
		if err != nil {
			log.Printf("[session] %s: probe %s: %v", s.port, p, err)
		}
	}
	return nil
}

func (s *Session) Port() string { return s.port }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send performs one request/response exchange. It is legal only from Idle;
// concurrent callers queue and run in arrival order. A line read before the
// timeout is the response; a timeout yields Received=false and no error.
func (s *Session) Send(cmd protocol.Command) (Response, error) {
	resp := Response{Command: cmd}
	if err := cmd.Validate(); err != nil {
		return resp, err
	}
	if cmd.Op == protocol.OpStartLoop || cmd.Op == protocol.OpStopLoop {
		return resp, fmt.Errorf("%w: %s changes the stream state, use Start/StopStreaming", ErrInvalidState, cmd.Op)
	}

	s.io.Lock()
	defer s.io.Unlock()

	if err := s.transition(Idle, AwaitingResponse); err != nil {
		return resp, err
	}
	line, received, err := s.roundTrip(cmd)
	if err != nil {
		return resp, err
	}
	if err := s.transition(AwaitingResponse, Idle); err != nil {
		return resp, ErrClosed
	}
	resp.Line, resp.Received = line, received
	return resp, nil
}

// GetCurrentPinFunction asks the device for p's selected function and
// caches a well-formed answer. On any failure the cache keeps its previous
// entry for p.
func (s *Session) GetCurrentPinFunction(p pins.ID) (Response, error) {
	cmd := protocol.GetCurrentPinFunction(p)
	resp, err := s.Send(cmd)
	if err != nil || !resp.Received {
		return resp, err
	}
	f, err := protocol.ParseFunction(resp.Line)
	if err != nil {
		return resp, &ProtocolError{Kind: Malformed, Command: cmd, Line: resp.Line, Err: err}
	}
	resp.Function = &f

	s.mu.Lock()
	s.cache[p] = f
	s.mu.Unlock()
	return resp, nil
}

// GetPinFunction asks the device which functions p supports.
func (s *Session) GetPinFunction(p pins.ID) (Response, error) {
	cmd := protocol.GetPinFunction(p)
	resp, err := s.Send(cmd)
	if err != nil || !resp.Received {
		return resp, err
	}
	fs, err := protocol.ParseFunctionList(resp.Line)
	if err != nil {
		return resp, &ProtocolError{Kind: Malformed, Command: cmd, Line: resp.Line, Err: err}
	}
	resp.Functions = fs
	return resp, nil
}

// SetPinFunction assigns f to p. Functions outside p's capability set are
// rejected before anything is written.
func (s *Session) SetPinFunction(p pins.ID, f pins.Function) (Response, error) {
	cmd := protocol.SetPinFunction(p, f)
	if err := cmd.Validate(); err != nil {
		return Response{Command: cmd}, err
	}
	if !pins.Supports(p, f) {
		return Response{Command: cmd}, fmt.Errorf("%w: %s cannot %s", ErrUnsupportedFunction, p, f)
	}
	resp, err := s.Send(cmd)
	if err != nil || !resp.Received {
		return resp, err
	}
	ok, known := protocol.ParseAck(resp.Line)
	if !known {
		return resp, &ProtocolError{Kind: Malformed, Command: cmd, Line: resp.Line,
			Err: fmt.Errorf("%w: expected an acknowledgement", protocol.ErrMalformed)}
	}
	if !ok {
		return resp, fmt.Errorf("%w: %s: device replied %q", ErrNotAcknowledged, cmd, resp.Line)
	}
	return resp, nil
}

// StartStreaming sends StartLoop. An affirmative acknowledgement moves the
// session to Streaming, resets the stream clock and starts the poller.
func (s *Session) StartStreaming() error {
	cmd := protocol.StartLoop()

	s.io.Lock()
	defer s.io.Unlock()

	if err := s.transition(Idle, AwaitingResponse); err != nil {
		return err
	}
	line, received, err := s.roundTrip(cmd)
	if err != nil {
		return err
	}
	if ok, _ := protocol.ParseAck(line); !received || !ok {
		if s.transition(AwaitingResponse, Idle) != nil {
			return ErrClosed
		}
		if !received {
			return fmt.Errorf("%w: %s: no response", ErrNotAcknowledged, cmd)
		}
		return fmt.Errorf("%w: %s: device replied %q", ErrNotAcknowledged, cmd, line)
	}

	s.mu.Lock()
	if s.state != AwaitingResponse {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = Streaming
	s.streamStart = time.Now()
	if !s.opts.ManualPoll {
		s.startCaptureLocked()
	}
	s.mu.Unlock()

	log.Printf("[session] %s: streaming started", s.port)
	s.emit(Event{Kind: EventState, State: Streaming})
	return nil
}

// StopStreaming sends StopLoop. Lines that arrive before the acknowledgement
// are recorded as samples. Without an acknowledgement the session keeps
// streaming.
func (s *Session) StopStreaming() error {
	cmd := protocol.StopLoop()

	s.io.Lock()
	defer s.io.Unlock()

	if st := s.State(); st != Streaming {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, st, Streaming)
	}
	if err := s.t.Write(s.codec.Encode(cmd)); err != nil {
		return s.ioFailed("write", err)
	}
	s.countSent()
	s.settle()

	deadline := time.Now().Add(s.opts.ReadTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.countTimeout()
			return fmt.Errorf("%w: %s: no response", ErrNotAcknowledged, cmd)
		}
		line, err := s.t.ReadLine(remaining)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return s.ioFailed("read", err)
		}
		if ok, known := protocol.ParseAck(line); known {
			if !ok {
				return fmt.Errorf("%w: %s: device replied %q", ErrNotAcknowledged, cmd, line)
			}
			break
		}
		s.record([]string{line})
	}

	s.mu.Lock()
	if s.state != Streaming {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = Idle
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	log.Printf("[session] %s: streaming stopped", s.port)
	s.emit(Event{Kind: EventState, State: Idle})
	return nil
}

// Drain takes every line buffered since the last drain, appends one sample
// per line in arrival order and emits a sample event for each. Outside
// Streaming it does nothing. A read failure ends the session.
func (s *Session) Drain() ([]Sample, error) {
	s.io.Lock()
	defer s.io.Unlock()

	if s.State() != Streaming {
		return nil, nil
	}
	lines, err := s.t.DrainLines()
	out := s.record(lines)
	if err != nil {
		return out, s.ioFailed("read", err)
	}
	return out, nil
}

// Close releases the transport from any state. It is idempotent, never
// fails, and interrupts a blocked read. It must not be called from an
// event handler.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closing = true
	prev := s.state
	s.state = Disconnected
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.t.Close(); err != nil {
		log.Printf("[session] %s: close: %v", s.port, err)
	}
	s.wg.Wait()

	if prev != Disconnected {
		log.Printf("[session] %s closed", s.port)
		s.emit(Event{Kind: EventState, State: Disconnected})
	}
	return nil
}

// PinCache returns a copy of the last known function per pin.
func (s *Session) PinCache() map[pins.ID]pins.Function {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[pins.ID]pins.Function, len(s.cache))
	for p, f := range s.cache {
		out[p] = f
	}
	return out
}

// Samples returns a copy of the captured log in arrival order.
func (s *Session) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples...)
}

// ClearLog empties the sample log and returns how many samples it held.
func (s *Session) ClearLog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.samples)
	s.samples = nil
	return n
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Port:        s.port,
		State:       s.state,
		OpenedAt:    s.openedAt,
		StreamStart: s.streamStart,
		Samples:     len(s.samples),
		Sent:        s.sent,
		Timeouts:    s.timeouts,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// roundTrip writes cmd and reads at most one line. Callers hold s.io.
func (s *Session) roundTrip(cmd protocol.Command) (string, bool, error) {
	if err := s.discardStale(cmd.Op.String()); err != nil {
		return "", false, s.ioFailed("read", err)
	}
	if err := s.t.Write(s.codec.Encode(cmd)); err != nil {
		return "", false, s.ioFailed("write", err)
	}
	s.countSent()
	s.settle()

	line, err := s.t.ReadLine(s.opts.ReadTimeout)
	switch {
	case err == nil:
		return strings.TrimSpace(line), true, nil
	case errors.Is(err, transport.ErrTimeout):
		s.countTimeout()
		return "", false, nil
	default:
		return "", false, s.ioFailed("read", err)
	}
}

// discardStale drops lines that arrived unasked so they cannot be taken
// as the reply to the next command.
func (s *Session) discardStale(reason string) error {
	stale, err := s.t.DrainLines()
	if len(stale) > 0 {
		log.Printf("[session] %s: discarded %d stale line(s) before %s: %q", s.port, len(stale), reason, stale)
	}
	return err
}

func (s *Session) settle() {
	if s.opts.SettleDelay > 0 {
		time.Sleep(s.opts.SettleDelay)
	}
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrClosed
	}
	if s.state != from {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, s.state, from)
	}
	s.state = to
	return nil
}

// record appends one sample per line. Nothing is appended unless the
// session is Streaming, so no sample lands after Close.
func (s *Session) record(lines []string) []Sample {
	if len(lines) == 0 {
		return nil
	}
	now := time.Now()
	s.mu.Lock()
	if s.state != Streaming {
		s.mu.Unlock()
		return nil
	}
	out := make([]Sample, 0, len(lines))
	for _, l := range lines {
		smp := newSample(s.codec.Decode(l), now, s.streamStart)
		s.samples = append(s.samples, smp)
		out = append(out, smp)
	}
	s.mu.Unlock()

	for i := range out {
		s.emit(Event{Kind: EventSample, State: Streaming, Sample: &out[i]})
	}
	return out
}

// ioFailed turns a transport failure into the session's terminal error.
// Failures caused by our own Close are reported as ErrClosed instead.
func (s *Session) ioFailed(op string, err error) error {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return ErrClosed
	}
	te := &TransportError{Port: s.port, Op: op, Err: err}
	s.fail(te)
	return te
}

// fail forces Disconnected and emits the terminal error event once. It
// does not wait for the poller, which may be the caller.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.lastErr = err
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.t.Close()
	log.Printf("[session] %s: %v", s.port, err)
	s.emit(
		Event{Kind: EventError, State: Disconnected, Err: err},
		Event{Kind: EventState, State: Disconnected},
	)
}

func (s *Session) startCaptureLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	c := &Capture{Interval: s.opts.PollInterval, Drain: s.Drain}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := c.Run(ctx); err != nil && !errors.Is(err, ErrClosed) {
			log.Printf("[session] %s: capture stopped: %v", s.port, err)
		}
	}()
}

func (s *Session) countSent() {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}

func (s *Session) countTimeout() {
	s.mu.Lock()
	s.timeouts++
	s.mu.Unlock()
}

func (s *Session) emit(evs ...Event) {
	if s.opts.Handler == nil {
		return
	}
	now := time.Now()
	for _, ev := range evs {
		ev.Port = s.port
		if ev.Time.IsZero() {
			ev.Time = now
		}
		s.opts.Handler(ev)
	}
}
