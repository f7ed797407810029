// Package config holds the typed tuning knobs for the reconciliation
// engine. Libraries never read the environment; the daemon applies env
// overrides on top of Default() at startup.
package config

import (
	"time"

	"github.com/claimpilot/reconciler/model"
)

// Reconciliation controls classification tolerances and retry policy.
type Reconciliation struct {
	// Discrepancy tiers, as fractions of the platform value.
	TolerancePerfect float64
	ToleranceMinor   float64
	ToleranceMedium  float64

	// Overclaim detection.
	OverclaimThreshold float64
	OverclaimCritical  float64

	// Growth allowance applied to platform metrics before comparison,
	// compensating for delayed platform counters.
	GrowthAllowancePerHour  float64
	GrowthAllowanceCapHours float64

	// Retry policy for MISSING_PLATFORM_DATA.
	MissingRetryMaxAttempts int
	MissingRetryWindow      time.Duration
	MissingRetryDelay       time.Duration

	// Retry policy for INCOMPLETE_PLATFORM_DATA.
	IncompleteRetryDelay         time.Duration
	IncompleteRetryMaxAdditional int
}

func DefaultReconciliation() Reconciliation {
	return Reconciliation{
		TolerancePerfect:             0.05,
		ToleranceMinor:               0.10,
		ToleranceMedium:              0.20,
		OverclaimThreshold:           0.20,
		OverclaimCritical:            0.50,
		GrowthAllowancePerHour:       0.10,
		GrowthAllowanceCapHours:      24,
		MissingRetryMaxAttempts:      5,
		MissingRetryWindow:           24 * time.Hour,
		MissingRetryDelay:            30 * time.Minute,
		IncompleteRetryDelay:         15 * time.Minute,
		IncompleteRetryMaxAdditional: 1,
	}
}

// Trust controls score transitions and the bucket boundaries that drive
// queue priority.
type Trust struct {
	Initial float64
	Min     float64
	Max     float64

	// Per-event score deltas.
	Events map[model.TrustEvent]float64

	// Bucket lower bounds, inclusive.
	HighTrustMin float64
	NormalMin    float64
	LowTrustMin  float64
}

func DefaultTrust() Trust {
	return Trust{
		Initial: 0.50,
		Min:     0.0,
		Max:     1.0,
		Events: map[model.TrustEvent]float64{
			model.TrustPerfectMatch:         +0.01,
			model.TrustMinorDiscrepancy:     -0.01,
			model.TrustMediumDiscrepancy:    -0.03,
			model.TrustHighDiscrepancy:      -0.05,
			model.TrustOverclaim:            -0.10,
			model.TrustImpossibleSubmission: -0.15,
			model.TrustManualAdjust:         0.0,
		},
		HighTrustMin: 0.75,
		NormalMin:    0.50,
		LowTrustMin:  0.25,
	}
}

// Backoff controls the delay between platform fetch attempts.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	Jitter      float64 // +/- fraction; 0 disables
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        1 * time.Second,
		Factor:      2.0,
		Max:         60 * time.Second,
		Jitter:      0.10,
		MaxAttempts: 3,
	}
}

// CircuitBreaker controls the per-platform breaker.
type CircuitBreaker struct {
	FailureThreshold int
	OpenCooldown     time.Duration
	HalfOpenProbes   int
}

func DefaultCircuitBreaker() CircuitBreaker {
	return CircuitBreaker{
		FailureThreshold: 5,
		OpenCooldown:     300 * time.Second,
		HalfOpenProbes:   3,
	}
}

// Queue controls both queue backends.
type Queue struct {
	// Label -> numeric priority, lower dequeues first.
	Priorities  map[string]int
	WarnDepth   int
	MaxInMemory int
}

func DefaultQueue() Queue {
	return Queue{
		Priorities: map[string]int{
			model.PriorityHigh:   0,
			model.PriorityNormal: 5,
			model.PriorityLow:    10,
		},
		WarnDepth:   1000,
		MaxInMemory: 5000,
	}
}

// Worker controls the pool draining the queue.
type Worker struct {
	Count       int
	PollTimeout time.Duration
	JobTimeout  time.Duration
}

func DefaultWorker() Worker {
	return Worker{
		Count:       4,
		PollTimeout: 5 * time.Second,
		JobTimeout:  30 * time.Second,
	}
}

// Alerting controls rule evaluation.
type Alerting struct {
	// Window for escalating repeated high-discrepancy alerts.
	RepeatWindow time.Duration
}

func DefaultAlerting() Alerting {
	return Alerting{RepeatWindow: 6 * time.Hour}
}

// Quality controls the submission-time validators.
type Quality struct {
	CTRThreshold         float64
	CTRMinViews          int64
	CVRThreshold         float64
	CVRMinClicks         int64
	MissingEvidenceViews int64
	DecreaseTolerance    float64
	SpikeGrowth          float64

	// Severity escalation multipliers over the base threshold.
	SeverityHighMultiplier   float64
	SeverityMediumMultiplier float64
}

func DefaultQuality() Quality {
	return Quality{
		CTRThreshold:             0.35,
		CTRMinViews:              100,
		CVRThreshold:             0.60,
		CVRMinClicks:             20,
		MissingEvidenceViews:     50000,
		DecreaseTolerance:        0.01,
		SpikeGrowth:              5.0,
		SeverityHighMultiplier:   3.0,
		SeverityMediumMultiplier: 1.5,
	}
}

// Fetch controls outbound platform calls.
type Fetch struct {
	CallTimeout time.Duration
	// Per-platform token bucket.
	RatePerSecond float64
	RateBurst     int
}

func DefaultFetch() Fetch {
	return Fetch{
		CallTimeout:   10 * time.Second,
		RatePerSecond: 5,
		RateBurst:     10,
	}
}

// Config aggregates every group.
type Config struct {
	Reconciliation Reconciliation
	Trust          Trust
	Backoff        Backoff
	CircuitBreaker CircuitBreaker
	Queue          Queue
	Worker         Worker
	Alerting       Alerting
	Quality        Quality
	Fetch          Fetch
}

func Default() *Config {
	return &Config{
		Reconciliation: DefaultReconciliation(),
		Trust:          DefaultTrust(),
		Backoff:        DefaultBackoff(),
		CircuitBreaker: DefaultCircuitBreaker(),
		Queue:          DefaultQueue(),
		Worker:         DefaultWorker(),
		Alerting:       DefaultAlerting(),
		Quality:        DefaultQuality(),
		Fetch:          DefaultFetch(),
	}
}
