// Package audio defines the PCM codec, loudness and resampling helpers, and
// the device abstractions used by the live audio bridge.
//
// The device abstractions mirror what a browser offers a voice page:
//
//   - [Device] opens a microphone [CaptureStream] and a playback [Output].
//   - [CaptureStream] delivers fixed-size blocks of float samples.
//   - [Output] owns an audio clock and plays [Buffer] values at scheduled
//     times, returning a [Source] that can be stopped early.
//
// Implementations live in adapter packages (audio/wsdevice for a browser over
// WebSocket, audio/mock for tests). The interfaces are intentionally narrow so
// the bridge can be driven entirely by synthetic frames and clocks.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [Device.OpenCapture] when the user
// refuses microphone access.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// CaptureConfig is the requested capture format.
type CaptureConfig struct {
	// SampleRate is the preferred capture rate in Hz. Devices may negotiate a
	// different rate; the actual rate is reported by [CaptureStream.SampleRate].
	SampleRate int

	// FrameSize is the number of samples per delivered block.
	FrameSize int
}

// CaptureStream is live microphone input.
//
// Frames are delivered in capture order. The channel is closed when the
// stream is closed or the device goes away.
type CaptureStream interface {
	// Frames returns the channel of captured blocks. Each block holds up to
	// FrameSize float samples in [-1, 1].
	Frames() <-chan []float32

	// SampleRate returns the negotiated capture rate in Hz.
	SampleRate() int

	// Close detaches the capture graph and stops every device track, releasing
	// the hardware microphone. Safe to call more than once.
	Close() error
}

// Clock reports the current position of an output audio clock.
type Clock interface {
	// Now returns the elapsed time on the clock. It never decreases.
	Now() time.Duration
}

// Source is one scheduled playback buffer.
type Source interface {
	// ID identifies the source within its Output.
	ID() uint64

	// Stop halts playback immediately. A stopped source never reports a
	// natural end. Safe to call more than once.
	Stop()
}

// Output plays buffers on a local audio clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	Clock

	// SampleRate returns the output rate in Hz.
	SampleRate() int

	// Play schedules buf to begin at the given clock time. onEnded, when
	// non-nil, is invoked once after the buffer has finished playing
	// naturally; it is not invoked for stopped sources. onEnded may run on an
	// internal goroutine and must not block.
	Play(buf Buffer, at time.Duration, onEnded func()) (Source, error)

	// Close stops all playback and releases the output. Safe to call more than
	// once.
	Close() error
}

// OutputConfig is the requested playback format.
type OutputConfig struct {
	// SampleRate is the output rate in Hz.
	SampleRate int
}

// Device is the entry point for an audio endpoint that can both capture and
// play.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// OpenCapture asks for microphone access and starts capturing. ctx bounds
	// the wait for consent. Returns [ErrPermissionDenied] (possibly wrapped)
	// when access is refused.
	OpenCapture(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)

	// OpenOutput creates a playback context whose clock starts at zero.
	OpenOutput(ctx context.Context, cfg OutputConfig) (Output, error)
}
