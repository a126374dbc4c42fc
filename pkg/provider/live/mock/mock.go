// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to push server messages into the bridge and inspect the realtime
// input it sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.Last()
//	sess.Emit(live.ServerMessage{Interrupted: true})
//	sess.Fail(errors.New("socket reset"))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livelab/pkg/audio"
	"github.com/MrWong99/livelab/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider. Every successful Connect
// returns a fresh Session.
type Provider struct {
	mu       sync.Mutex
	sessions []*Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay blocks Connect until it elapses or ctx is done.
	ConnectDelay time.Duration

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// OnSession, if set, is called with every new Session before Connect
	// returns it.
	OnSession func(*Session)

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns a new Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	delay, err, hook := p.ConnectDelay, p.ConnectErr, p.OnSession
	p.mu.Unlock()

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

	s := NewSession()
	if hook != nil {
		hook(s)
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Last returns the most recently connected session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ConnectCount returns how many times Connect was called.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session is a mock implementation of live.SessionHandle.
type Session struct {
	mu       sync.Mutex
	messages chan live.ServerMessage
	sent     []audio.Blob
	sentCh   chan audio.Blob
	err      error
	closed   bool
	finished bool

	// SendErr, if non-nil, is returned by SendRealtimeInput.
	SendErr error

	// SendGate, if non-nil, makes every SendRealtimeInput wait for a value
	// (or ctx) before recording the blob.
	SendGate chan struct{}

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open session with buffered channels.
func NewSession() *Session {
	return &Session{
		messages: make(chan live.ServerMessage, 64),
		sentCh:   make(chan audio.Blob, 256),
	}
}

// SendRealtimeInput records blob. After Close it returns live.ErrSessionClosed.
func (s *Session) SendRealtimeInput(ctx context.Context, blob audio.Blob) error {
	s.mu.Lock()
	gate := s.SendGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, blob)
	select {
	case s.sentCh <- blob:
	default:
	}
	return nil
}

// Messages returns the scripted message channel.
func (s *Session) Messages() <-chan live.ServerMessage { return s.messages }

// Err returns the error passed to Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close marks the session closed and ends the message stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closed = true
	s.finish()
	return nil
}

// Emit delivers msg on the message channel. It reports false once the stream
// has ended.
func (s *Session) Emit(msg live.ServerMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.messages <- msg
	return true
}

// Fail ends the message stream as if the transport dropped with err.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.finish()
}

func (s *Session) finish() {
	if !s.finished {
		s.finished = true
		close(s.messages)
	}
}

// Sent returns a snapshot of every blob sent so far.
func (s *Session) Sent() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Blob, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentCh delivers each sent blob as it arrives, for tests that wait on sends.
func (s *Session) SentCh() <-chan audio.Blob { return s.sentCh }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Compile-time interface assertions.
var (
	_ live.Provider      = (*Provider)(nil)
	_ live.SessionHandle = (*Session)(nil)
)
