// Package memory provides the bounded read surface the loop's perceive
// phase pulls observations from. Each tier is an independent source; a
// failing tier is the caller's problem to isolate, not this package's.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/basket/go-helm/internal/shared"
)

// Observation is a single memory fact with a relevance weight.
type Observation struct {
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	RelevanceScore float64   `json:"relevance_score"`
	ObservedAt     time.Time `json:"observed_at"`
}

// Tier is one bounded memory source.
type Tier interface {
	Name() string
	Read(ctx context.Context, goalID string, limit int) ([]Observation, error)
}

// minRelevance is the floor below which an observation adds noise, not
// signal.
const minRelevance = 0.1

// FilterAndSort drops observations under the relevance floor and orders
// the rest by score, highest first. Ties keep their input order.
func FilterAndSort(obs []Observation) []Observation {
	var filtered []Observation
	for _, o := range obs {
		if o.RelevanceScore >= minRelevance {
			filtered = append(filtered, o)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].RelevanceScore > filtered[j].RelevanceScore
	})
	return filtered
}

// Block formats a tier's observations into a text block for prompt
// injection. Empty blocks format to the empty string, no tag markers.
type Block struct {
	tier string
	obs  []Observation
}

// NewBlock builds a Block from raw observations, applying the relevance
// filter and score ordering.
func NewBlock(tier string, obs []Observation) *Block {
	return &Block{tier: tier, obs: FilterAndSort(obs)}
}

// Format renders the block. Example output:
//
//	<memory tier="store">
//	trace:scout: found 3 qualified leads
//	run:act: dispatched analyst
//	</memory>
func (b *Block) Format() string {
	if len(b.obs) == 0 {
		return ""
	}
	result := fmt.Sprintf("<memory tier=%q>\n", b.tier)
	for _, o := range b.obs {
		result += fmt.Sprintf("%s: %s\n", o.Key, o.Value)
	}
	result += "</memory>"
	return result
}

// EstimateTokens returns the approximate token count for the formatted
// block.
func (b *Block) EstimateTokens() int {
	return shared.EstimateTokens(b.Format())
}
