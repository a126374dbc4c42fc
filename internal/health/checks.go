package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livelab/internal/resilience"
)

// ProviderConfigured fails while apiKey returns an empty string. The function
// is consulted on every probe so hot-reloaded keys are picked up.
func ProviderConfigured(apiKey func() string) Checker {
	return Checker{
		Name: "provider",
		Check: func(context.Context) error {
			if apiKey() == "" {
				return errors.New("no API key configured")
			}
			return nil
		},
	}
}

// BreakersAvailable fails when every breaker is open, i.e. when a new session
// would be rejected without dialling.
func BreakersAvailable(breakers ...*resilience.CircuitBreaker) Checker {
	return Checker{
		Name: "breaker",
		Check: func(context.Context) error {
			if len(breakers) == 0 {
				return nil
			}
			var retry []string
			for _, b := range breakers {
				if b.State() != resilience.StateOpen {
					return nil
				}
				retry = append(retry, fmt.Sprintf("%s retry in %s", b.Name(), b.RetryAfter().Round(time.Second)))
			}
			return fmt.Errorf("circuit open: %v", retry)
		},
	}
}
