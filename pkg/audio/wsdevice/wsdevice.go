// Package wsdevice implements [audio.Device] on top of a browser connected by
// WebSocket. The page is both microphone and speaker: it streams captured
// blocks as binary float32 messages and plays the buffers it is told to
// schedule on its own audio clock.
//
// Control traffic is JSON with a "type" discriminator. The server opens and
// closes capture and output; the page answers capture_open with capture_ready
// or capture_denied and forwards the user's start, stop and interrupt buttons
// as [Command] values.
//
// [Device.Run] owns the socket reader and must be running for any other
// method to make progress.
package wsdevice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livelab/pkg/audio"
)

var (
	_ audio.Device        = (*Device)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
	_ audio.Output        = (*output)(nil)
	_ audio.Source        = (*source)(nil)
)

// ErrClosed is returned once the browser socket has gone away.
var ErrClosed = errors.New("wsdevice: connection closed")

const (
	defaultWriteTimeout = 5 * time.Second
	captureBuffer       = 32
	commandBuffer       = 8
)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithWriteTimeout bounds every write to the browser. Default: 5s.
func WithWriteTimeout(t time.Duration) Option {
	return func(d *Device) { d.writeTimeout = t }
}

// WithDropHook registers fn to be called for every capture block discarded
// because the consumer fell behind.
func WithDropHook(fn func()) Option {
	return func(d *Device) { d.onDrop = fn }
}

type captureReply struct {
	rate   int
	denied string
}

// Device is a browser audio device reached over one WebSocket.
type Device struct {
	conn         *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration
	onDrop       func()

	commands chan Command
	closed   chan struct{}

	mu      sync.Mutex
	pending chan captureReply
	capture *captureStream
}

// New wraps an accepted WebSocket connection. Call [Device.Run] to start
// reading from it.
func New(conn *websocket.Conn, opts ...Option) *Device {
	d := &Device{
		conn:         conn,
		log:          slog.Default(),
		writeTimeout: defaultWriteTimeout,
		commands:     make(chan Command, commandBuffer),
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Commands delivers the user's actions. The channel is closed when Run
// returns.
func (d *Device) Commands() <-chan Command { return d.commands }

// Done is closed when Run returns.
func (d *Device) Done() <-chan struct{} { return d.closed }

// Run reads the socket until ctx is cancelled or the browser disconnects.
// A normal closure by the browser returns nil.
func (d *Device) Run(ctx context.Context) error {
	defer d.shutdown()
	for {
		typ, data, err := d.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wsdevice: read: %w", err)
		}
		if typ == websocket.MessageBinary {
			d.handleBlock(data)
			continue
		}
		var msg inboundMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			d.log.Debug("wsdevice: ignoring malformed control message", "err", err)
			continue
		}
		d.handleControl(ctx, msg)
	}
}

func (d *Device) handleControl(ctx context.Context, msg inboundMsg) {
	switch msg.Type {
	case TypeCaptureReady, TypeCaptureDenied:
		d.mu.Lock()
		pending := d.pending
		d.pending = nil
		d.mu.Unlock()
		if pending == nil {
			d.log.Debug("wsdevice: unsolicited capture reply", "type", msg.Type)
			return
		}
		reply := captureReply{rate: msg.SampleRate}
		if msg.Type == TypeCaptureDenied {
			reply.denied = msg.Reason
			if reply.denied == "" {
				reply.denied = "denied by user"
			}
		}
		pending <- reply
	case string(CommandStart), string(CommandStop), string(CommandInterrupt):
		select {
		case d.commands <- Command(msg.Type):
		case <-ctx.Done():
		}
	default:
		d.log.Debug("wsdevice: unknown message type", "type", msg.Type)
	}
}

func (d *Device) handleBlock(data []byte) {
	samples, err := decodeFloat32(data)
	if err != nil {
		d.log.Debug("wsdevice: dropping capture block", "err", err)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capture == nil {
		return
	}
	select {
	case d.capture.frames <- samples:
	default:
		if d.onDrop != nil {
			d.onDrop()
		}
	}
}

func (d *Device) shutdown() {
	d.mu.Lock()
	if d.capture != nil {
		close(d.capture.frames)
		d.capture = nil
	}
	d.pending = nil
	d.mu.Unlock()
	close(d.closed)
	close(d.commands)
}

// send writes v as one JSON text message.
func (d *Device) send(v any) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, d.conn, v); err != nil {
		return fmt.Errorf("wsdevice: write: %w", err)
	}
	return nil
}

// SendStatus shows a bridge status on the page.
func (d *Device) SendStatus(state, message string, cause error) error {
	msg := statusMsg{Type: TypeStatus, State: state, Message: message}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return d.send(msg)
}

// SendVolume updates the page's input level meter (0–100).
func (d *Device) SendVolume(level float64) error {
	return d.send(volumeMsg{Type: TypeVolume, Level: level})
}

// SendLogs replaces the page's activity log.
func (d *Device) SendLogs(lines []string) error {
	return d.send(logsMsg{Type: TypeLogs, Lines: lines})
}

// OpenCapture asks the page for the microphone and waits for its answer.
// A refusal returns an error wrapping [audio.ErrPermissionDenied].
func (d *Device) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	reply := make(chan captureReply, 1)
	d.mu.Lock()
	if d.capture != nil || d.pending != nil {
		d.mu.Unlock()
		return nil, errors.New("wsdevice: capture already open")
	}
	d.pending = reply
	d.mu.Unlock()

	abandon := func() {
		d.mu.Lock()
		if d.pending == reply {
			d.pending = nil
		}
		d.mu.Unlock()
	}

	if err := d.send(captureOpenMsg{Type: TypeCaptureOpen, SampleRate: cfg.SampleRate, FrameSize: cfg.FrameSize}); err != nil {
		abandon()
		return nil, err
	}

	select {
	case r := <-reply:
		if r.denied != "" {
			return nil, fmt.Errorf("%w: %s", audio.ErrPermissionDenied, r.denied)
		}
		rate := r.rate
		if rate <= 0 {
			rate = cfg.SampleRate
		}
		s := &captureStream{dev: d, rate: rate, frames: make(chan []float32, captureBuffer)}
		d.mu.Lock()
		select {
		case <-d.closed:
			d.mu.Unlock()
			return nil, ErrClosed
		default:
		}
		d.capture = s
		d.mu.Unlock()
		return s, nil
	case <-ctx.Done():
		abandon()
		_ = d.send(typeOnlyMsg{Type: TypeCaptureClose})
		return nil, ctx.Err()
	case <-d.closed:
		return nil, ErrClosed
	}
}

// OpenOutput tells the page to create a playback context. The output clock
// starts at zero now.
func (d *Device) OpenOutput(_ context.Context, cfg audio.OutputConfig) (audio.Output, error) {
	o := &output{
		dev:     d,
		rate:    cfg.SampleRate,
		epoch:   time.Now(),
		sources: make(map[uint64]*source),
	}
	if err := d.send(outputOpenMsg{Type: TypeOutputOpen, SampleRate: cfg.SampleRate}); err != nil {
		return nil, err
	}
	return o, nil
}

// ── capture ──────────────────────────────────────────────────────────────────

type captureStream struct {
	dev    *Device
	rate   int
	frames chan []float32
	once   sync.Once
}

func (s *captureStream) Frames() <-chan []float32 { return s.frames }
func (s *captureStream) SampleRate() int          { return s.rate }

// Close stops the page's microphone tracks and ends the frame channel.
func (s *captureStream) Close() error {
	var err error
	s.once.Do(func() {
		d := s.dev
		d.mu.Lock()
		if d.capture == s {
			d.capture = nil
			close(s.frames)
		}
		d.mu.Unlock()
		if sendErr := d.send(typeOnlyMsg{Type: TypeCaptureClose}); sendErr != nil && !errors.Is(sendErr, ErrClosed) {
			err = sendErr
		}
	})
	return err
}

// ── output ───────────────────────────────────────────────────────────────────

type output struct {
	dev   *Device
	rate  int
	epoch time.Time

	mu      sync.Mutex
	nextID  uint64
	sources map[uint64]*source
	closed  bool
}

// Now is the monotonic time since the output was opened.
func (o *output) Now() time.Duration { return time.Since(o.epoch) }

func (o *output) SampleRate() int { return o.rate }

// Play schedules buf on the page at the given output time. onEnded fires from
// a timer goroutine once the buffer would have finished playing, unless the
// source was stopped first.
func (o *output) Play(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("wsdevice: output closed")
	}
	o.nextID++
	src := &source{out: o, id: o.nextID}
	o.sources[src.id] = src
	delay := at + buf.Duration() - o.Now()
	src.timer = time.AfterFunc(max(delay, 0), func() {
		if o.finish(src.id) && onEnded != nil {
			onEnded()
		}
	})
	o.mu.Unlock()

	err := o.dev.send(playMsg{
		Type:       TypePlay,
		ID:         src.id,
		Start:      at.Seconds(),
		SampleRate: buf.SampleRate,
		Data:       encodeFloat32(buf.Samples),
	})
	if err != nil {
		o.finish(src.id)
		src.timer.Stop()
		return nil, err
	}
	return src, nil
}

// finish removes id and reports whether it was still scheduled.
func (o *output) finish(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sources[id]; !ok {
		return false
	}
	delete(o.sources, id)
	return true
}

// Close stops every scheduled source and releases the page's playback
// context. Idempotent.
func (o *output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for id, src := range o.sources {
		src.timer.Stop()
		delete(o.sources, id)
	}
	o.mu.Unlock()

	if err := o.dev.send(typeOnlyMsg{Type: TypeOutputClose}); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

type source struct {
	out   *output
	id    uint64
	timer *time.Timer
}

func (s *source) ID() uint64 { return s.id }

// Stop silences the source on the page. A stopped source never reports an end.
func (s *source) Stop() {
	if !s.out.finish(s.id) {
		return
	}
	s.timer.Stop()
	if err := s.out.dev.send(stopMsg{Type: TypeStop, ID: s.id}); err != nil && !errors.Is(err, ErrClosed) {
		s.out.dev.log.Debug("wsdevice: stop source", "id", s.id, "err", err)
	}
}
