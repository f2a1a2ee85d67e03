package coordinator

import (
	"testing"

	"github.com/basket/go-helm/internal/agent"
)

func TestReDelegationTarget_TableOrder(t *testing.T) {
	target, ok := ReDelegationTarget(agent.TypeScout, nil)
	if !ok || target != agent.TypeAnalyst {
		t.Fatalf("scout/[] = %q/%v, want analyst", target, ok)
	}
}

func TestReDelegationTarget_SkipsTried(t *testing.T) {
	target, ok := ReDelegationTarget(agent.TypeScout, []agent.Type{agent.TypeAnalyst})
	if !ok || target != agent.TypeHunter {
		t.Fatalf("scout/[analyst] = %q/%v, want hunter", target, ok)
	}
}

func TestReDelegationTarget_AllTried(t *testing.T) {
	_, ok := ReDelegationTarget(agent.TypeScout, []agent.Type{agent.TypeAnalyst, agent.TypeHunter})
	if ok {
		t.Fatal("scout with both alternates tried must have no target")
	}
}

func TestReDelegationTarget_Scribe(t *testing.T) {
	target, ok := ReDelegationTarget(agent.TypeScribe, nil)
	if !ok || target != agent.TypeStrategist {
		t.Fatalf("scribe/[] = %q/%v, want strategist", target, ok)
	}
}

func TestReDelegationTarget_NoAlternates(t *testing.T) {
	for _, tt := range []agent.Type{agent.TypeOperator, agent.TypeVerifier, agent.TypeExecutor} {
		if _, ok := ReDelegationTarget(tt, nil); ok {
			t.Fatalf("%s must have no re-delegation target", tt)
		}
	}
}

func TestAlternates_ReturnsCopy(t *testing.T) {
	alts := Alternates(agent.TypeScout)
	if len(alts) != 2 {
		t.Fatalf("scout alternates = %v", alts)
	}
	alts[0] = agent.TypeExecutor
	again := Alternates(agent.TypeScout)
	if again[0] != agent.TypeAnalyst {
		t.Fatal("mutating the returned slice must not touch the table")
	}
}
