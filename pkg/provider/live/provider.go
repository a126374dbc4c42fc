// Package live defines the Provider interface for streaming conversational
// audio backends.
//
// A live provider wraps a realtime voice service that accepts microphone audio
// as a stream of small PCM envelopes and answers with synthesised speech in a
// single, stateful session. The Gemini Live API is the reference backend.
//
// The central abstraction is SessionHandle: realtime input is written with
// SendRealtimeInput, and everything the server says (audio chunks, text, turn
// boundaries, barge-in notifications) arrives in order on the Messages
// channel. Decoding the audio payloads is left to the caller so malformed
// chunks can be skipped without disturbing the session.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/livelab/pkg/audio"
)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("live: session closed")

// ErrQuotaExhausted reports that the service refused the request because the
// usage quota of the API key is used up (HTTP 429, RESOURCE_EXHAUSTED).
// Providers wrap it so callers can match with errors.Is.
var ErrQuotaExhausted = errors.New("live: quota exhausted")

// Modality names a response modality requested from the model.
type Modality string

const (
	// ModalityAudio asks the model to answer with synthesised speech.
	ModalityAudio Modality = "AUDIO"

	// ModalityText asks the model to answer with text.
	ModalityText Modality = "TEXT"
)

// Voice is a synthetic voice identity offered by a provider.
type Voice struct {
	// ID is the provider-specific voice name (e.g. "Zephyr").
	ID string

	// Name is a human-readable label.
	Name string
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Voice selects the synthetic voice used for speech output. Empty keeps
	// the provider default.
	Voice string

	// Instructions is the fixed system instruction (persona) for the session.
	Instructions string

	// ResponseModalities lists the desired output modalities. Empty means
	// audio only.
	ResponseModalities []Modality
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the PCM rate the service expects for realtime input.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of synthesised speech.
	OutputSampleRate int

	// MaxSessionDurationMs is the provider-imposed session limit. Zero means
	// no documented limit.
	MaxSessionDurationMs int

	// Voices lists the prebuilt voices available for this provider.
	Voices []Voice
}

// ServerMessage is one message received from the service. Any field may be
// empty; a message can carry audio, an interruption flag, both or neither.
type ServerMessage struct {
	// Audio holds the inline audio payloads of the message in order. Data is
	// still base64 encoded.
	Audio []audio.Blob

	// Text concatenates any text parts of the model turn.
	Text string

	// Interrupted reports that the user barged in over the model's speech.
	Interrupted bool

	// TurnComplete reports that the model finished its turn.
	TurnComplete bool

	// Error carries a server-reported error description.
	Error string

	// QuotaExhausted reports that Error is a quota rejection. The service
	// closes the session after sending it.
	QuotaExhausted bool
}

// SessionHandle represents an open live session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendRealtimeInput delivers one realtime-input envelope. It blocks only
	// for the network write; callers on an audio path should invoke it from a
	// dedicated goroutine.
	SendRealtimeInput(ctx context.Context, blob audio.Blob) error

	// Messages returns the channel of server messages in arrival order. The
	// channel is closed when the session ends; call Err afterwards to learn
	// whether it ended cleanly.
	Messages() <-chan ServerMessage

	// Err returns the error that ended the session, or nil if it was closed
	// by the caller.
	Err() error

	// Close terminates the session and closes the Messages channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live conversational audio backend.
type Provider interface {
	// Connect opens a session and returns once the service has accepted the
	// configuration. ctx bounds the whole establishment. On error no
	// connection is left open.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
