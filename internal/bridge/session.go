package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livelab/pkg/audio"
	"github.com/MrWong99/livelab/pkg/provider/live"
)

// errCaptureEnded is the teardown cause when the microphone goes away while
// connected.
var errCaptureEnded = errors.New("bridge: microphone stream ended")

// event is anything posted to the session loop.
type event interface{ isEvent() }

type (
	frameCaptured      struct{ samples []float32 }
	messageReceived    struct{ msg live.ServerMessage }
	interruptRequested struct{}
	stopRequested      struct{}
	sourceEnded        struct{ token uint64 }
	transportClosed    struct{ err error }
)

func (frameCaptured) isEvent()      {}
func (messageReceived) isEvent()    {}
func (interruptRequested) isEvent() {}
func (stopRequested) isEvent()      {}
func (sourceEnded) isEvent()        {}
func (transportClosed) isEvent()    {}

// eventBuffer bounds the loop inbox. Producers block when it is full, which
// backpressures the capture and message pumps but never the loop itself.
const eventBuffer = 64

// session is the runtime of one connected live session. Everything below the
// events channel is touched only by run.
type session struct {
	b   *Bridge
	res *resources
	log *slog.Logger

	sched     *Scheduler
	resampler *audio.Resampler

	events chan event
	sendQ  chan audio.Blob

	ctx    context.Context
	cancel context.CancelFunc

	// done is closed when teardown begins; producers stop posting.
	done chan struct{}
	// finished is closed after teardown completes.
	finished chan struct{}
	wg       sync.WaitGroup
}

func newSession(b *Bridge, res *resources) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		b:        b,
		res:      res,
		log:      b.log,
		events:   make(chan event, eventBuffer),
		sendQ:    make(chan audio.Blob, b.cfg.SendQueue),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		resampler: &audio.Resampler{
			Target: audio.Format{SampleRate: b.cfg.InputSampleRate, Channels: 1},
		},
	}
	s.sched = NewScheduler(res.out, func(token uint64) {
		s.post(sourceEnded{token: token})
	})
	return s
}

func (s *session) start() {
	s.wg.Add(3)
	go s.pumpCapture()
	go s.pumpMessages()
	go s.sender()
	go s.run()
}

// post delivers ev to the loop. It reports false once teardown has begun.
func (s *session) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// stop requests teardown and waits for it and every helper goroutine.
func (s *session) stop() {
	s.post(stopRequested{})
	<-s.finished
	s.wg.Wait()
}

// ── producers ────────────────────────────────────────────────────────────────

func (s *session) pumpCapture() {
	defer s.wg.Done()
	frames := s.res.capture.Frames()
	for {
		select {
		case <-s.done:
			return
		case block, ok := <-frames:
			if !ok {
				s.post(transportClosed{err: errCaptureEnded})
				return
			}
			s.post(frameCaptured{samples: block})
		}
	}
}

func (s *session) pumpMessages() {
	defer s.wg.Done()
	msgs := s.res.handle.Messages()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				err := s.res.handle.Err()
				if err == nil {
					err = errors.New("server closed the session")
				}
				s.post(transportClosed{err: fmt.Errorf("%w: %w", ErrTransport, err)})
				return
			}
			s.post(messageReceived{msg: msg})
		}
	}
}

// sender drains the send queue so the loop never waits on the network.
func (s *session) sender() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case blob := <-s.sendQ:
			if err := s.res.handle.SendRealtimeInput(s.ctx, blob); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.post(transportClosed{err: fmt.Errorf("%w: send: %w", ErrTransport, err)})
				return
			}
			s.b.metrics.FramesSent.Add(s.ctx, 1)
		}
	}
}

// ── loop ─────────────────────────────────────────────────────────────────────

func (s *session) run() {
	defer close(s.finished)
	for {
		switch e := (<-s.events).(type) {
		case frameCaptured:
			s.handleFrame(e.samples)
		case messageReceived:
			if err := s.handleMessage(e.msg); err != nil {
				s.teardown(err)
				return
			}
		case interruptRequested:
			s.interrupt("local")
		case sourceEnded:
			s.sched.Ended(e.token)
		case transportClosed:
			s.teardown(e.err)
			return
		case stopRequested:
			s.teardown(nil)
			return
		}
	}
}

func (s *session) handleFrame(samples []float32) {
	if s.b.cfg.OnVolume != nil {
		s.b.cfg.OnVolume(audio.Level(samples))
	}
	samples = s.resampler.Convert(samples, s.res.capture.SampleRate())
	blob := audio.EncodeFrame(samples, s.b.cfg.InputSampleRate)
	select {
	case s.sendQ <- blob:
	default:
		s.b.metrics.RecordFrameDropped(s.ctx, "send_queue")
	}
}

// handleMessage applies one server message. A non-nil error ends the session.
func (s *session) handleMessage(msg live.ServerMessage) error {
	if msg.QuotaExhausted {
		return fmt.Errorf("%w: %w: %s", ErrTransport, live.ErrQuotaExhausted, msg.Error)
	}
	if msg.Error != "" {
		s.b.logLine(describeFailure(msg.Error, false))
		s.b.metrics.RecordProviderError(s.ctx, s.b.cfg.ProviderName, "server")
		s.log.Warn("live session reported an error", "err", msg.Error)
	}
	if msg.Interrupted {
		s.interrupt("server")
	}
	for _, blob := range msg.Audio {
		s.scheduleChunk(blob)
	}
	if msg.Text != "" {
		s.log.Debug("model text", "text", msg.Text)
	}
	if msg.TurnComplete {
		s.sched.EndTurn()
	}
	return nil
}

func (s *session) scheduleChunk(blob audio.Blob) {
	samples, err := audio.DecodeChunk(blob.Data)
	if err != nil {
		s.b.metrics.ChunksMalformed.Add(s.ctx, 1)
		s.log.Debug("skipping malformed audio chunk", "err", err, "mime", blob.MIMEType)
		return
	}
	rate := audio.ParseMIMERate(blob.MIMEType)
	if rate <= 0 {
		rate = s.b.cfg.OutputSampleRate
	}
	sc, err := s.sched.Schedule(audio.Buffer{Samples: samples, SampleRate: rate})
	if err != nil {
		s.log.Warn("failed to schedule audio chunk", "err", err)
		return
	}
	s.b.metrics.ChunksScheduled.Add(s.ctx, 1)
	if sc.Underrun {
		s.b.metrics.PlaybackUnderruns.Add(s.ctx, 1)
	}
}

func (s *session) interrupt(origin string) {
	n := s.sched.Interrupt()
	s.b.metrics.RecordInterruption(s.ctx, origin)
	s.b.logLine("Interupsi terdeteksi.")
	s.log.Debug("playback interrupted", "origin", origin, "stopped_sources", n)
}

// teardown releases everything and returns the bridge to idle. cause is nil
// for a requested stop.
func (s *session) teardown(cause error) {
	close(s.done)
	s.cancel()

	var errs []error
	errs = append(errs, s.res.capture.Close())
	s.sched.StopAll()
	errs = append(errs, s.res.out.Close())
	errs = append(errs, s.res.handle.Close())
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("bridge: teardown", "err", err)
	}

	s.b.metrics.ActiveSessions.Add(context.Background(), -1)
	s.b.detach(s)
	s.b.logLine("Koneksi ditutup.")

	if cause != nil {
		quota := errors.Is(cause, live.ErrQuotaExhausted)
		switch {
		case quota:
			s.b.metrics.RecordProviderError(context.Background(), s.b.cfg.ProviderName, "quota")
		case errors.Is(cause, ErrTransport):
			s.b.metrics.RecordProviderError(context.Background(), s.b.cfg.ProviderName, "transport")
		}
		s.b.logLine(describeFailure(cause.Error(), quota))
		s.log.Warn("live session ended", "err", cause)
		s.b.setStatus(failureStatus(cause))
		return
	}
	s.log.Info("live session stopped")
	s.b.setStatus(Status{State: StateIdle, Message: StatusDisconnected})
}
