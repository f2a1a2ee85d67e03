package memory

import (
	"context"
	"sort"
	"time"
)

// StaticTier serves operator-seeded facts from configuration. The same
// facts come back for every goal; relevance is fixed at seed time.
type StaticTier struct {
	facts []Observation
}

// NewStaticTier builds a tier from config facts. Facts with no explicit
// score default to 0.5.
func NewStaticTier(facts map[string]string) *StaticTier {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now().UTC()
	obs := make([]Observation, 0, len(keys))
	for _, k := range keys {
		obs = append(obs, Observation{
			Key:            k,
			Value:          facts[k],
			RelevanceScore: 0.5,
			ObservedAt:     now,
		})
	}
	return &StaticTier{facts: obs}
}

func (t *StaticTier) Name() string { return "static" }

// Read returns up to limit seeded facts, key order.
func (t *StaticTier) Read(_ context.Context, _ string, limit int) ([]Observation, error) {
	if limit <= 0 || limit > len(t.facts) {
		limit = len(t.facts)
	}
	out := make([]Observation, limit)
	copy(out, t.facts[:limit])
	return out, nil
}
