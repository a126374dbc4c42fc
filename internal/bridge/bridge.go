// Package bridge implements the realtime audio bridge between a voice device
// (microphone and speaker) and a live conversational-audio session.
//
// A [Bridge] runs one session at a time through the states
// idle → connecting → connected → idle. While connected, captured microphone
// blocks are encoded and streamed to the model, and the model's audio is
// decoded and scheduled gap-free on the device's output clock. A barge-in,
// signalled by the server or requested locally, silences everything queued at
// once.
//
// All session state is owned by a single event-loop goroutine; device and
// transport goroutines only post typed events to it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livelab/internal/observe"
	"github.com/MrWong99/livelab/pkg/audio"
	"github.com/MrWong99/livelab/pkg/provider/live"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultConnectTimeout   = 15 * time.Second
	DefaultSendQueue        = 32
)

// Config wires a [Bridge] to its collaborators.
type Config struct {
	// Device provides the microphone and speaker. Required.
	Device audio.Device

	// Provider opens live sessions. Required.
	Provider live.Provider

	// ProviderName labels metrics. Default: "live".
	ProviderName string

	// Session is passed to Provider.Connect on every Start.
	Session live.SessionConfig

	// SessionSource, if set, is consulted on every Start instead of Session so
	// reloaded settings reach the next session.
	SessionSource func() live.SessionConfig

	// InputSampleRate is the wire rate of outbound PCM. Default: 16000.
	InputSampleRate int

	// OutputSampleRate is the playback rate assumed for inbound chunks whose
	// MIME type carries no rate. Default: 24000.
	OutputSampleRate int

	// FrameSize is the capture block size in samples. Default: 4096.
	FrameSize int

	// ConnectTimeout bounds session establishment. Default: 15s.
	ConnectTimeout time.Duration

	// SendQueue is the number of encoded frames that may wait for the
	// transport before new frames are dropped. Default: 32.
	SendQueue int

	// Metrics receives bridge instrumentation. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger

	// OnStatus is called on every state change. It must not call Stop.
	OnStatus func(Status)

	// OnVolume receives the input level (0–100) of every captured block.
	OnVolume func(level float64)
}

// Bridge connects one audio device to one live session at a time. It is safe
// for concurrent use.
type Bridge struct {
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
	activity activityLog

	mu            sync.Mutex
	state         State
	connectCancel context.CancelFunc
	connectDone   chan struct{}
	aborted       bool
	sess          *session
}

// New returns an idle Bridge.
func New(cfg Config) *Bridge {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "live"
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Logs returns the most recent activity lines, oldest first.
func (b *Bridge) Logs() []string { return b.activity.snapshot() }

// Start acquires the microphone, the live session and the output, then starts
// streaming. Microphone and session are opened concurrently; the whole
// establishment is bounded by ctx and [Config.ConnectTimeout]. On failure
// every acquired resource is released, the bridge returns to idle and the
// returned error wraps [audio.ErrPermissionDenied] or [ErrTransport] where
// applicable.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return ErrAlreadyActive
	}
	cctx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	done := make(chan struct{})
	b.state = StateConnecting
	b.connectCancel = cancel
	b.connectDone = done
	b.mu.Unlock()
	defer close(done)

	b.setStatus(Status{State: StateConnecting, Message: StatusConnecting})
	began := time.Now()

	res, err := b.acquire(cctx)
	if err == nil {
		b.mu.Lock()
		if cerr := cctx.Err(); cerr != nil {
			b.mu.Unlock()
			res.release(b.log)
			err = cerr
		} else {
			s := newSession(b, res)
			b.state = StateConnected
			b.connectCancel = nil
			b.sess = s
			b.mu.Unlock()

			b.metrics.RecordConnect(ctx, b.cfg.ProviderName, "ok", time.Since(began))
			b.metrics.ActiveSessions.Add(ctx, 1)
			b.logLine("Koneksi WebSocket Terbuka.")
			b.log.Info("live session connected",
				"provider", b.cfg.ProviderName,
				"capture_rate", res.capture.SampleRate(),
				"output_rate", res.out.SampleRate(),
				"took", time.Since(began))
			b.setStatus(Status{State: StateConnected, Message: StatusConnected})
			s.start()
			return nil
		}
	}
	err = b.connectErr(ctx, cctx, err)

	b.mu.Lock()
	aborted := b.aborted
	b.state = StateIdle
	b.connectCancel = nil
	b.aborted = false
	b.mu.Unlock()

	if aborted {
		b.log.Info("live session establishment aborted")
		b.setStatus(Status{State: StateIdle, Message: StatusReady})
		return err
	}

	b.metrics.RecordConnect(ctx, b.cfg.ProviderName, "error", time.Since(began))
	if errors.Is(err, ErrTransport) {
		b.metrics.RecordProviderError(ctx, b.cfg.ProviderName, "connect")
		b.logLine(describeFailure(err.Error(), errors.Is(err, live.ErrQuotaExhausted)))
	} else {
		b.logLine("Gagal: " + err.Error())
	}
	b.log.Warn("live session establishment failed", "err", err)
	b.setStatus(failureStatus(err))
	return err
}

// acquire opens capture and session concurrently, then the output.
func (b *Bridge) acquire(ctx context.Context) (*resources, error) {
	res := &resources{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logLine("Meminta izin mikrofon...")
		c, err := b.cfg.Device.OpenCapture(gctx, audio.CaptureConfig{
			SampleRate: b.cfg.InputSampleRate,
			FrameSize:  b.cfg.FrameSize,
		})
		if err != nil {
			return fmt.Errorf("bridge: open microphone: %w", err)
		}
		res.capture = c
		b.logLine("Mikrofon aktif.")
		return nil
	})
	g.Go(func() error {
		b.logLine("Inisialisasi Gemini Live...")
		h, err := b.cfg.Provider.Connect(gctx, b.sessionConfig())
		if err != nil {
			return fmt.Errorf("%w: connect: %w", ErrTransport, err)
		}
		res.handle = h
		return nil
	})
	if err := g.Wait(); err != nil {
		res.release(b.log)
		return nil, err
	}

	out, err := b.cfg.Device.OpenOutput(ctx, audio.OutputConfig{SampleRate: b.cfg.OutputSampleRate})
	if err != nil {
		res.release(b.log)
		return nil, fmt.Errorf("bridge: open output: %w", err)
	}
	res.out = out
	return res, nil
}

// connectErr reports an expired connect timeout as a transport failure.
// Permission refusals and caller cancellation pass through unchanged.
func (b *Bridge) connectErr(parent, cctx context.Context, err error) error {
	if parent.Err() != nil || !errors.Is(cctx.Err(), context.DeadlineExceeded) || errors.Is(err, audio.ErrPermissionDenied) {
		return err
	}
	if errors.Is(err, ErrTransport) {
		return fmt.Errorf("%w (timed out after %s)", err, b.cfg.ConnectTimeout)
	}
	return fmt.Errorf("%w: timed out after %s: %w", ErrTransport, b.cfg.ConnectTimeout, err)
}

// Stop tears down the active session, or aborts an establishment in progress,
// and returns once every resource is released. Stop on an idle bridge is a
// no-op.
func (b *Bridge) Stop() {
	for {
		b.mu.Lock()
		switch b.state {
		case StateConnecting:
			// Cancel under the lock so Start cannot commit to connected
			// after aborted is set.
			done := b.connectDone
			b.aborted = true
			b.connectCancel()
			b.mu.Unlock()
			<-done
		case StateConnected:
			s := b.sess
			b.mu.Unlock()
			s.stop()
		default:
			b.mu.Unlock()
			return
		}
	}
}

// Interrupt silences all queued model audio. It has no effect unless a
// session is connected.
func (b *Bridge) Interrupt() {
	b.mu.Lock()
	s := b.sess
	b.mu.Unlock()
	if s != nil {
		s.post(interruptRequested{})
	}
}

// detach returns the bridge to idle if s is still its session.
func (b *Bridge) detach(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == s {
		b.sess = nil
		b.state = StateIdle
	}
}

func (b *Bridge) sessionConfig() live.SessionConfig {
	if b.cfg.SessionSource != nil {
		return b.cfg.SessionSource()
	}
	return b.cfg.Session
}

func (b *Bridge) setStatus(st Status) {
	if b.cfg.OnStatus != nil {
		b.cfg.OnStatus(st)
	}
}

func (b *Bridge) logLine(line string) {
	b.activity.add(line)
	b.log.Debug("bridge activity", "line", line)
}

// resources are the handles acquired by one establishment.
type resources struct {
	capture audio.CaptureStream
	handle  live.SessionHandle
	out     audio.Output
}

// release closes every non-nil resource.
func (r *resources) release(log *slog.Logger) {
	var errs []error
	if r.capture != nil {
		errs = append(errs, r.capture.Close())
	}
	if r.out != nil {
		errs = append(errs, r.out.Close())
	}
	if r.handle != nil {
		errs = append(errs, r.handle.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("bridge: releasing resources", "err", err)
	}
}
