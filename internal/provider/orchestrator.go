package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
)

// RetryPolicy is the per-provider retry policy, configurable by a
// process-wide map loaded from config.
type RetryPolicy struct {
	MaxRetries    int
	BaseBackoffMs int
}

// DefaultRetryPolicy applies when a provider is registered with a zero
// policy.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 2, BaseBackoffMs: 500}

// Result is returned by ExecuteProviderQuery.
type Result struct {
	ProviderID string
	Attempts   int
}

// Query is the request shape for ExecuteProviderQuery.
type Query struct {
	PrimaryProviderID  string
	FallbackProviderID string
	Input              Input
	OnEvent            Handler
}

// Orchestrator selects primary/fallback providers by id and applies the
// configured retry policy on transient failure before falling back.
type Orchestrator struct {
	providers  map[string]Provider
	policies   map[string]RetryPolicy
	classifier Classifier
	logger     *logger.Logger
	backoff    func(attempt int, base time.Duration)
}

// NewOrchestrator creates an Orchestrator with no providers registered yet.
func NewOrchestrator(log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		providers:  make(map[string]Provider),
		policies:   make(map[string]RetryPolicy),
		classifier: DefaultClassifier,
		logger:     log.With(zap.String("component", "provider-orchestrator")),
		backoff:    func(attempt int, base time.Duration) { time.Sleep(base) },
	}
}

// Register adds a Provider under its own ID, with an optional retry policy
// override (DefaultRetryPolicy is used when policy is the zero value).
func (o *Orchestrator) Register(p Provider, policy RetryPolicy) {
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy
	}
	o.providers[p.ID()] = p
	o.policies[p.ID()] = policy
}

// SetClassifier overrides the default transient/fatal error classifier.
func (o *Orchestrator) SetClassifier(c Classifier) { o.classifier = c }

// ExecuteProviderQuery runs q.Input against q.PrimaryProviderID, retrying
// per that provider's policy on transient errors, falling back to
// q.FallbackProviderID on permanent failure (or retry exhaustion), and
// otherwise propagating the error.
func (o *Orchestrator) ExecuteProviderQuery(ctx context.Context, q Query) (Result, error) {
	attempts := 0

	run := func(providerID string) (Result, error, bool) {
		p, ok := o.providers[providerID]
		if !ok {
			return Result{}, fmt.Errorf("unknown provider %q", providerID), false
		}
		policy := o.policies[providerID]

		var lastErr error
		for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
			attempts++
			queryID := uuid.NewString()
			wrapped := wrapHandler(providerID, queryID, q.OnEvent)

			err := p.Run(ctx, q.Input, wrapped)
			if err == nil {
				return Result{ProviderID: providerID, Attempts: attempts}, nil, true
			}
			lastErr = err

			if isAbort(ctx, q.Input) {
				return Result{}, err, true
			}

			class := o.classifier(err)
			if class != ClassTransient {
				return Result{}, err, false
			}
			if attempt == policy.MaxRetries {
				break
			}
			o.logger.Warn("transient provider error, retrying",
				zap.String("provider_id", providerID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			o.backoff(attempt, time.Duration(policy.BaseBackoffMs)*time.Millisecond*time.Duration(1<<attempt))
		}
		return Result{}, lastErr, false
	}

	res, err, terminal := run(q.PrimaryProviderID)
	if err == nil || terminal {
		return res, err
	}

	if q.FallbackProviderID == "" {
		return Result{}, err
	}

	o.logger.Warn("falling back to secondary provider",
		zap.String("primary", q.PrimaryProviderID),
		zap.String("fallback", q.FallbackProviderID),
		zap.Error(err))

	res, err2, _ := run(q.FallbackProviderID)
	if err2 != nil {
		return Result{}, fmt.Errorf("primary %q failed (%w), fallback %q also failed: %v", q.PrimaryProviderID, err, q.FallbackProviderID, err2)
	}
	return res, nil
}

func wrapHandler(providerID, queryID string, next Handler) Handler {
	return func(evt Event) error {
		evt.ProviderID = providerID
		evt.QueryID = queryID
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now().UTC()
		}
		return next(evt)
	}
}

func isAbort(ctx context.Context, in Input) bool {
	if ctx.Err() != nil {
		return true
	}
	if in.AbortSignal == nil {
		return false
	}
	select {
	case <-in.AbortSignal:
		return true
	default:
		return false
	}
}

// DefaultClassifier classifies network errors, timeouts, and rate-limit /
// 5xx-shaped errors as transient; everything else as fatal.
// Orchestrator.SetClassifier replaces it for all providers.
func DefaultClassifier(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	transientMarkers := []string{"rate limit", "429", "timeout", "temporarily unavailable", "connection reset", "502", "503", "504"}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	return ClassFatal
}
