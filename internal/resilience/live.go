package resilience

import (
	"context"

	"github.com/MrWong99/livelab/pkg/provider/live"
)

// LiveFallback implements [live.Provider] with circuit breaking and ordered
// failover across one or more live backends. Only Connect is guarded; an
// established session belongs to the backend that produced it.
type LiveFallback struct {
	group *FallbackGroup[live.Provider]

	// OnConnect, if set, is called with the backend name and result of every
	// Connect.
	OnConnect func(name string, err error)
}

var _ live.Provider = (*LiveFallback)(nil)

// NewLiveFallback creates a [LiveFallback] with primary as the preferred
// backend.
func NewLiveFallback(primary live.Provider, primaryName string, cfg FallbackConfig) *LiveFallback {
	return &LiveFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional live provider as a fallback.
func (f *LiveFallback) AddFallback(name string, p live.Provider) {
	f.group.AddFallback(name, p)
}

// Connect opens a session on the first backend whose breaker admits the call
// and that connects successfully.
func (f *LiveFallback) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	h, name, err := Execute(ctx, f.group, func(p live.Provider) (live.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	if f.OnConnect != nil {
		f.OnConnect(name, err)
	}
	return h, err
}

// Capabilities returns the capabilities of the primary. Sessions opened on a
// fallback may differ.
func (f *LiveFallback) Capabilities() live.Capabilities {
	return f.group.entries[0].value.Capabilities()
}

// Breakers exposes the per-backend breakers for health reporting.
func (f *LiveFallback) Breakers() []*CircuitBreaker {
	return f.group.Breakers()
}

// Available reports whether at least one backend would currently admit a
// connect attempt.
func (f *LiveFallback) Available() bool {
	for _, b := range f.group.Breakers() {
		if b.State() != StateOpen {
			return true
		}
	}
	return false
}
