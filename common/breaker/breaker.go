package breaker

import (
	"errors"

	"github.com/sony/gobreaker"

	"github.com/stackbound/agentflow/common/config"
	"github.com/stackbound/agentflow/common/logger"
)

// ErrUnavailable is returned while the breaker refuses calls. The
// scheduler treats it as a backoff-and-retry signal, not a node failure.
var ErrUnavailable = errors.New("container runtime unavailable")

// Breaker guards the container runtime. CLOSED -> OPEN after the failure
// threshold inside the rolling window, OPEN -> HALF_OPEN after the
// cooldown, HALF_OPEN -> CLOSED after consecutive probe successes.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log *logger.Logger
}

// New builds a breaker from the configured thresholds.
func New(cfg *config.Config, log *logger.Logger) *Breaker {
	failures := uint32(cfg.Safety.BreakerFailures)

	settings := gobreaker.Settings{
		Name:        "container-runtime",
		MaxRequests: uint32(cfg.Safety.BreakerProbeSuccess),
		Interval:    cfg.Safety.BreakerWindow,
		Timeout:     cfg.Safety.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures ||
				counts.TotalFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return &Breaker{
		cb:  gobreaker.NewCircuitBreaker(settings),
		log: log,
	}
}

// Execute runs fn under the breaker. When the breaker is open the call
// is rejected immediately with ErrUnavailable.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	return result, err
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
