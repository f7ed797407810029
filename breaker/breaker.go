// Package breaker guards platform adapter calls with one circuit per
// platform. Five consecutive failures open a circuit; after a cooldown
// a bounded number of half-open probes may test recovery, and a single
// success snaps the circuit closed again.
package breaker

import (
	"sync"
	"time"

	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/observability"
)

// Denial reasons returned by AllowCall. These surface verbatim in
// fetch outcomes and reconciliation logs.
const (
	ReasonCircuitOpen     = "circuit_open"
	ReasonProbesExhausted = "half_open_probe_exhausted"
)

// State of a single platform circuit.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    State
	failures int
	probes   int
	openedAt time.Time
}

// Breaker tracks one circuit per platform name under a single lock.
// Circuits are created closed on first use.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit

	failureThreshold int
	cooldown         time.Duration
	probeLimit       int

	now func() time.Time
}

func New(cfg config.CircuitBreaker) *Breaker {
	return &Breaker{
		circuits:         make(map[string]*circuit),
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.OpenCooldown,
		probeLimit:       cfg.HalfOpenProbes,
		now:              time.Now,
	}
}

func (b *Breaker) circuitFor(platform string) *circuit {
	c, ok := b.circuits[platform]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[platform] = c
	}
	return c
}

func publishState(platform string, s State) {
	observability.BreakerState.WithLabelValues(platform).Set(observability.BreakerStateValue(s.String()))
}

// AllowCall reports whether a call to the platform may proceed. When it
// may not, reason carries the denial code. An open circuit past its
// cooldown flips to half-open and the current call consumes the first
// probe.
func (b *Breaker) AllowCall(platform string) (allowed bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(platform)
	if c.state == StateOpen {
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false, ReasonCircuitOpen
		}
		c.state = StateHalfOpen
		c.probes = 0
		publishState(platform, c.state)
	}
	if c.state == StateHalfOpen {
		if c.probes >= b.probeLimit {
			return false, ReasonProbesExhausted
		}
		c.probes++
	}
	return true, ""
}

// RecordSuccess clears the failure streak and closes the circuit from
// any state.
func (b *Breaker) RecordSuccess(platform string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(platform)
	c.failures = 0
	if c.state != StateClosed {
		c.state = StateClosed
		c.probes = 0
		publishState(platform, c.state)
	}
}

// RecordFailure extends the failure streak. A closed circuit opens once
// the streak reaches the threshold; a half-open circuit re-opens on the
// first failed probe. Failures while already open do not push the
// cooldown out.
func (b *Breaker) RecordFailure(platform string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(platform)
	c.failures++
	switch c.state {
	case StateClosed:
		if c.failures >= b.failureThreshold {
			c.state = StateOpen
			c.openedAt = b.now()
			publishState(platform, c.state)
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.now()
		c.probes = 0
		publishState(platform, c.state)
	}
}

// GetState returns the current state for a platform without creating a
// circuit for it.
func (b *Breaker) GetState(platform string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[platform]; ok {
		return c.state
	}
	return StateClosed
}

// PlatformStatus is one circuit's externally visible state.
type PlatformStatus struct {
	State    string     `json:"state"`
	Failures int        `json:"failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// Snapshot reports every known circuit, keyed by platform name.
func (b *Breaker) Snapshot() map[string]PlatformStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]PlatformStatus, len(b.circuits))
	for name, c := range b.circuits {
		st := PlatformStatus{State: c.state.String(), Failures: c.failures}
		if c.state == StateOpen {
			at := c.openedAt
			st.OpenedAt = &at
		}
		out[name] = st
	}
	return out
}
