package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// namedReasoner pairs a Reasoner with a human-readable provider name for
// circuit breaker tracking and logging.
type namedReasoner struct {
	name     string
	reasoner Reasoner
}

// CircuitBreaker tracks failure counts and trip state for a single provider.
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverReasoner wraps a primary Reasoner with ordered fallbacks and
// per-provider circuit breakers. It implements the Reasoner interface.
type FailoverReasoner struct {
	primary   namedReasoner
	fallbacks []namedReasoner
	breakers  map[string]*CircuitBreaker

	mu             sync.Mutex
	threshold      int           // failures before tripping (default 5)
	cooldownPeriod time.Duration // time before resetting (default 5min)
	kvStore        KVStore
}

// NewFailoverReasoner creates a FailoverReasoner that tries the named primary
// first. The circuit breaker trips after threshold consecutive failures and
// resets after cooldown elapses.
func NewFailoverReasoner(primaryName string, primary Reasoner, threshold int, cooldown time.Duration) *FailoverReasoner {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	breakers := make(map[string]*CircuitBreaker)
	breakers[primaryName] = &CircuitBreaker{}

	return &FailoverReasoner{
		primary:        namedReasoner{name: primaryName, reasoner: primary},
		breakers:       breakers,
		threshold:      threshold,
		cooldownPeriod: cooldown,
	}
}

// AddFallback appends a fallback provider tried after the primary and any
// earlier fallbacks.
func (fr *FailoverReasoner) AddFallback(name string, r Reasoner) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.fallbacks = append(fr.fallbacks, namedReasoner{name: name, reasoner: r})
	if _, ok := fr.breakers[name]; !ok {
		fr.breakers[name] = &CircuitBreaker{}
	}
}

// Generate tries the primary reasoner first. If it fails or its circuit
// breaker is tripped, it iterates through fallbacks in order. Returns the
// first successful response or a combined error if all providers fail.
func (fr *FailoverReasoner) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	fr.mu.Lock()
	candidates := append([]namedReasoner{fr.primary}, fr.fallbacks...)
	fr.mu.Unlock()

	var lastErr error
	for _, c := range candidates {
		if fr.isTripped(c.name) {
			slog.Info("failover: skipping tripped provider", "provider", c.name)
			continue
		}

		resp, err := c.reasoner.Generate(ctx, prompt, systemPrompt)
		if err == nil {
			fr.recordSuccess(c.name)
			return resp, nil
		}

		lastErr = err
		fr.recordFailure(c.name)
		ec := ClassifyError(err)
		slog.Warn("failover: provider failed",
			"provider", c.name,
			"error_class", string(ec),
			"error", err,
		)

		// The prompt is the same everywhere; another provider cannot fix a
		// context overflow.
		if ec == ErrorClassContextOverflow {
			return "", fmt.Errorf("failover: context overflow from %s: %w", c.name, err)
		}
	}

	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// isTripped returns true if the named provider's circuit breaker is tripped
// and the cooldown period has not yet elapsed.
func (fr *FailoverReasoner) isTripped(name string) bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	cb, ok := fr.breakers[name]
	if !ok {
		return false
	}
	if !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= fr.cooldownPeriod {
		cb.tripped = false
		cb.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

// SetKVStore enables persistent circuit breaker state.
func (fr *FailoverReasoner) SetKVStore(store KVStore) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.kvStore = store
}

// recordFailure increments the failure count and trips the breaker if threshold is reached.
func (fr *FailoverReasoner) recordFailure(name string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	cb, ok := fr.breakers[name]
	if !ok {
		cb = &CircuitBreaker{}
		fr.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= fr.threshold {
		cb.tripped = true
		slog.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	if fr.kvStore != nil {
		fr.persistBreakerState(name, cb)
	}
}

// recordSuccess resets the failure count for the named provider.
func (fr *FailoverReasoner) recordSuccess(name string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	cb, ok := fr.breakers[name]
	if !ok {
		return
	}
	cb.failures = 0
	cb.tripped = false
	if fr.kvStore != nil {
		fr.persistBreakerState(name, cb)
	}
}

// persistBreakerState saves a single breaker's state to the KV store.
// Must be called with fr.mu held.
func (fr *FailoverReasoner) persistBreakerState(name string, cb *CircuitBreaker) {
	if fr.kvStore == nil {
		return
	}
	state := struct {
		Failures    int       `json:"failures"`
		LastFailure time.Time `json:"last_failure"`
		Tripped     bool      `json:"tripped"`
	}{
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Tripped:     cb.tripped,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = fr.kvStore.KVSet(context.Background(), "cb:"+name, string(data))
}

// LoadBreakerState restores circuit breaker state from the KV store.
func (fr *FailoverReasoner) LoadBreakerState(ctx context.Context) {
	if fr.kvStore == nil {
		return
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for name, cb := range fr.breakers {
		val, err := fr.kvStore.KVGet(ctx, "cb:"+name)
		if err != nil || val == "" {
			continue
		}
		var state struct {
			Failures    int       `json:"failures"`
			LastFailure time.Time `json:"last_failure"`
			Tripped     bool      `json:"tripped"`
		}
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}
