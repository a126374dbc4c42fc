package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livelab/pkg/provider/live"
	livemock "github.com/MrWong99/livelab/pkg/provider/live/mock"
)

func TestLiveFallback_ConnectsPrimary(t *testing.T) {
	t.Parallel()

	primary := &livemock.Provider{ProviderCapabilities: live.Capabilities{OutputSampleRate: 24000}}
	secondary := &livemock.Provider{}
	f := NewLiveFallback(primary, "gemini-live", FallbackConfig{})
	f.AddFallback("backup", secondary)

	var seen string
	f.OnConnect = func(name string, err error) { seen = name }

	h, err := f.Connect(context.Background(), live.SessionConfig{Voice: "Zephyr"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if primary.ConnectCount() != 1 || secondary.ConnectCount() != 0 {
		t.Errorf("connect counts = %d/%d, want 1/0", primary.ConnectCount(), secondary.ConnectCount())
	}
	if seen != "gemini-live" {
		t.Errorf("OnConnect name = %q", seen)
	}
	if got := f.Capabilities().OutputSampleRate; got != 24000 {
		t.Errorf("Capabilities().OutputSampleRate = %d", got)
	}
}

func TestLiveFallback_OpensAfterFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	boom := errors.New("handshake refused")
	p := &livemock.Provider{ConnectErr: boom}
	f := NewLiveFallback(p, "gemini-live", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, Now: clock.Now},
	})

	for range 2 {
		if _, err := f.Connect(context.Background(), live.SessionConfig{}); !errors.Is(err, boom) {
			t.Fatalf("Connect err = %v, want %v", err, boom)
		}
	}
	if f.Available() {
		t.Fatal("Available() = true with the only breaker open")
	}

	_, err := f.Connect(context.Background(), live.SessionConfig{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Connect err = %v, want ErrCircuitOpen", err)
	}
	if p.ConnectCount() != 2 {
		t.Errorf("provider dialled %d times, want 2", p.ConnectCount())
	}

	clock.Advance(time.Minute)
	if !f.Available() {
		t.Error("Available() = false after the reset timeout")
	}
}

func TestLiveFallback_Failover(t *testing.T) {
	t.Parallel()

	primary := &livemock.Provider{ConnectErr: errors.New("503")}
	secondary := &livemock.Provider{}
	f := NewLiveFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	h, err := f.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()
	if secondary.ConnectCount() != 1 {
		t.Errorf("secondary connects = %d, want 1", secondary.ConnectCount())
	}
	if len(f.Breakers()) != 2 {
		t.Errorf("Breakers() len = %d, want 2", len(f.Breakers()))
	}
}
