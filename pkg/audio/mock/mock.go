// Package mock provides in-memory implementations of the [audio.Device],
// [audio.CaptureStream], [audio.Output] and [audio.Clock] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	clock := &mock.Clock{}
//	dev := mock.NewDevice(clock)
//	stream, _ := dev.OpenCapture(ctx, audio.CaptureConfig{SampleRate: 16000, FrameSize: 4096})
//	dev.Capture().Push(make([]float32, 4096))
//	clock.Advance(400 * time.Millisecond)
//	dev.Out().Finish(id) // simulate natural end of a scheduled source
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livelab/pkg/audio"
)

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is a manually advanced [audio.Clock]. The zero value starts at 0.
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now implements [audio.Clock].
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *Clock) Set(t time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock [audio.CaptureStream]. Tests inject blocks with
// [CaptureStream.Push]; Close stops the simulated tracks and closes the frame
// channel.
type CaptureStream struct {
	mu     sync.Mutex
	frames chan []float32
	rate   int
	closed bool

	// CloseCallCount records how many times Close was called.
	CloseCallCount int

	// DroppedCount records blocks discarded because the frame buffer was full.
	DroppedCount int
}

// NewCaptureStream returns an open stream at the given rate with a buffered
// frame channel.
func NewCaptureStream(rate int) *CaptureStream {
	return &CaptureStream{frames: make(chan []float32, 64), rate: rate}
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan []float32 { return s.frames }

// SampleRate implements [audio.CaptureStream].
func (s *CaptureStream) SampleRate() int { return s.rate }

// Push delivers a captured block. Like a real device it never blocks: when
// nobody drains the buffer the block is dropped. Returns false when the
// stream is closed or the block was dropped.
func (s *CaptureStream) Push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- block:
		return true
	default:
		s.DroppedCount++
		return false
	}
}

// Dropped returns how many blocks Push discarded.
func (s *CaptureStream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DroppedCount
}

// TracksActive reports whether the simulated device tracks are still live.
func (s *CaptureStream) TracksActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayCall records a single invocation of [Output.Play].
type PlayCall struct {
	// ID is the id assigned to the returned source.
	ID uint64
	// Start is the scheduled start time.
	Start time.Duration
	// Buffer is the buffer passed to Play.
	Buffer audio.Buffer
}

// Source is the mock [audio.Source] returned by [Output.Play].
type Source struct {
	out     *Output
	id      uint64
	onEnded func()
}

// ID implements [audio.Source].
func (s *Source) ID() uint64 { return s.id }

// Stop implements [audio.Source].
func (s *Source) Stop() { s.out.stop(s.id) }

// Output is a mock [audio.Output] driven by a [Clock]. Sources never end on
// their own; call [Output.Finish] or [Output.FinishDue] to simulate natural
// completion.
type Output struct {
	mu      sync.Mutex
	clock   *Clock
	rate    int
	nextID  uint64
	active  map[uint64]*Source
	stopped map[uint64]bool
	closed  bool

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// PlayCalls records every successful Play call in order.
	PlayCalls []PlayCall

	// CloseCallCount records how many times Close was called.
	CloseCallCount int
}

// NewOutput returns an open output on clock at the given rate.
func NewOutput(clock *Clock, rate int) *Output {
	return &Output{
		clock:   clock,
		rate:    rate,
		active:  make(map[uint64]*Source),
		stopped: make(map[uint64]bool),
	}
}

// Now implements [audio.Clock].
func (o *Output) Now() time.Duration { return o.clock.Now() }

// SampleRate implements [audio.Output].
func (o *Output) SampleRate() int { return o.rate }

// Play implements [audio.Output].
func (o *Output) Play(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	o.nextID++
	src := &Source{out: o, id: o.nextID, onEnded: onEnded}
	o.active[src.id] = src
	o.PlayCalls = append(o.PlayCalls, PlayCall{ID: src.id, Start: at, Buffer: buf})
	return src, nil
}

func (o *Output) stop(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[id]; ok {
		delete(o.active, id)
		o.stopped[id] = true
	}
}

// Finish simulates the natural end of source id. It reports false if the
// source is not playing (already ended or stopped).
func (o *Output) Finish(id uint64) bool {
	o.mu.Lock()
	src, ok := o.active[id]
	if ok {
		delete(o.active, id)
	}
	o.mu.Unlock()
	if ok && src.onEnded != nil {
		src.onEnded()
	}
	return ok
}

// FinishDue ends every source whose scheduled end is at or before the
// current clock time and returns how many ended.
func (o *Output) FinishDue() int {
	now := o.clock.Now()
	o.mu.Lock()
	var due []uint64
	for _, call := range o.PlayCalls {
		if _, ok := o.active[call.ID]; ok && call.Start+call.Buffer.Duration() <= now {
			due = append(due, call.ID)
		}
	}
	o.mu.Unlock()
	n := 0
	for _, id := range due {
		if o.Finish(id) {
			n++
		}
	}
	return n
}

// Calls returns a snapshot of the recorded Play calls.
func (o *Output) Calls() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlayCall, len(o.PlayCalls))
	copy(out, o.PlayCalls)
	return out
}

// Active returns the number of sources currently playing.
func (o *Output) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Stopped reports whether source id was stopped before it ended.
func (o *Output) Stopped(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped[id]
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Close implements [audio.Output]. Remaining sources are stopped.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCallCount++
	o.closed = true
	for id := range o.active {
		delete(o.active, id)
		o.stopped[id] = true
	}
	return nil
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [audio.Device]. Each successful OpenCapture/OpenOutput
// creates a fresh stream/output and remembers the latest one.
type Device struct {
	mu      sync.Mutex
	clock   *Clock
	capture *CaptureStream
	out     *Output

	// CaptureRate overrides the negotiated capture rate. Zero means the
	// requested rate is granted.
	CaptureRate int

	// CaptureErr, if non-nil, is returned by OpenCapture (e.g.
	// audio.ErrPermissionDenied).
	CaptureErr error

	// OutputErr, if non-nil, is returned by OpenOutput.
	OutputErr error

	// CaptureDelay blocks OpenCapture until it elapses or ctx is done.
	CaptureDelay time.Duration

	// OpenCaptureCalls and OpenOutputCalls count invocations.
	OpenCaptureCalls int
	OpenOutputCalls  int
}

// NewDevice returns a Device whose outputs run on clock.
func NewDevice(clock *Clock) *Device {
	return &Device{clock: clock}
}

// OpenCapture implements [audio.Device].
func (d *Device) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	d.mu.Lock()
	d.OpenCaptureCalls++
	delay, err := d.CaptureDelay, d.CaptureErr
	rate := cfg.SampleRate
	if d.CaptureRate > 0 {
		rate = d.CaptureRate
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := NewCaptureStream(rate)
	d.mu.Lock()
	d.capture = s
	d.mu.Unlock()
	return s, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, cfg audio.OutputConfig) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenOutputCalls++
	if d.OutputErr != nil {
		return nil, d.OutputErr
	}
	d.out = NewOutput(d.clock, cfg.SampleRate)
	return d.out, nil
}

// Capture returns the most recently opened capture stream, or nil.
func (d *Device) Capture() *CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capture
}

// Out returns the most recently opened output, or nil.
func (d *Device) Out() *Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out
}

// Compile-time interface assertions.
var (
	_ audio.Device        = (*Device)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Output        = (*Output)(nil)
	_ audio.Source        = (*Source)(nil)
	_ audio.Clock         = (*Clock)(nil)
)
