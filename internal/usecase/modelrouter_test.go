package usecase

import (
	"errors"
	"testing"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
	"convergio/internal/infra/logger"
)

func testRouting() config.RoutingConfig {
	return config.RoutingConfig{
		Balanced: map[string]string{
			"anthropic/claude-opus-4": "anthropic/claude-sonnet-4",
		},
		Economy: map[string]string{
			"anthropic/claude-opus-4":   "anthropic/claude-haiku-3",
			"anthropic/claude-sonnet-4": "anthropic/claude-haiku-3",
		},
		LastResort: "ollama/llama3.2",
	}
}

func routerDef() domain.AgentDefinition {
	return domain.AgentDefinition{
		ID:            "ali",
		Tier:          domain.TierCoordinator,
		DefaultModel:  "anthropic/claude-opus-4",
		FallbackModel: "openai/gpt-4o",
	}
}

func TestRouteFullTierKeepsPreferredModel(t *testing.T) {
	r := NewModelRouter(testRouting(), logger.Nop())
	dec, err := r.Route(routerDef(), TierFull)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := []domain.ModelCandidate{
		{Provider: "anthropic", Model: "claude-opus-4"},
		{Provider: "openai", Model: "gpt-4o"},
		{Provider: "ollama", Model: "llama3.2"},
	}
	if len(dec.Candidates) != len(want) {
		t.Fatalf("candidates = %+v, want %+v", dec.Candidates, want)
	}
	for i := range want {
		if dec.Candidates[i] != want[i] {
			t.Errorf("candidate[%d] = %v, want %v", i, dec.Candidates[i], want[i])
		}
	}
	if dec.Tier != "full" {
		t.Errorf("Tier = %q", dec.Tier)
	}
}

func TestRouteBalancedDowngradesDefault(t *testing.T) {
	r := NewModelRouter(testRouting(), logger.Nop())
	dec, err := r.Route(routerDef(), TierBalanced)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got := dec.Candidates[0]; got.Provider != "anthropic" || got.Model != "claude-sonnet-4" {
		t.Errorf("first candidate = %v, want the balanced substitute", got)
	}
	// Fallback has no balanced entry so it passes through unchanged.
	if got := dec.Candidates[1]; got.Model != "gpt-4o" {
		t.Errorf("second candidate = %v, want untouched fallback", got)
	}
}

func TestRouteEconomyAndPausedShareTable(t *testing.T) {
	r := NewModelRouter(testRouting(), logger.Nop())
	for _, tier := range []BudgetTier{TierEconomy, TierPaused} {
		dec, err := r.Route(routerDef(), tier)
		if err != nil {
			t.Fatalf("Route(%s): %v", tier, err)
		}
		if got := dec.Candidates[0]; got.Model != "claude-haiku-3" {
			t.Errorf("tier %s first candidate = %v, want economy substitute", tier, got)
		}
	}
}

func TestRouteDedupesCandidates(t *testing.T) {
	// Under economy, default and fallback both collapse to the same cheap
	// model; the candidate must appear once.
	r := NewModelRouter(testRouting(), logger.Nop())
	def := domain.AgentDefinition{
		ID:            "writer",
		DefaultModel:  "anthropic/claude-opus-4",
		FallbackModel: "anthropic/claude-sonnet-4",
	}
	dec, err := r.Route(def, TierEconomy)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(dec.Candidates) != 2 {
		t.Fatalf("candidates = %+v, want [haiku, last resort]", dec.Candidates)
	}
	if dec.Candidates[0].Model != "claude-haiku-3" || dec.Candidates[1].Provider != "ollama" {
		t.Errorf("candidates = %+v", dec.Candidates)
	}
}

func TestRouteLastResortOnly(t *testing.T) {
	r := NewModelRouter(testRouting(), logger.Nop())
	dec, err := r.Route(domain.AgentDefinition{ID: "bare"}, TierFull)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(dec.Candidates) != 1 || dec.Candidates[0].Provider != "ollama" {
		t.Errorf("candidates = %+v, want only last resort", dec.Candidates)
	}
}

func TestRouteNeverEmptyAcrossTiers(t *testing.T) {
	r := NewModelRouter(testRouting(), logger.Nop())
	defs := []domain.AgentDefinition{
		routerDef(),
		{ID: "a", DefaultModel: "openai/gpt-4o-mini"},
		{ID: "b", FallbackModel: "ollama/qwen2.5:0.5b"},
		{ID: "c"},
	}
	for _, def := range defs {
		for _, tier := range []BudgetTier{TierFull, TierBalanced, TierEconomy, TierPaused} {
			dec, err := r.Route(def, tier)
			if err != nil {
				t.Fatalf("Route(%s, %s): %v", def.ID, tier, err)
			}
			if len(dec.Candidates) == 0 {
				t.Errorf("Route(%s, %s) returned no candidates", def.ID, tier)
			}
		}
	}
}

func TestRouteNoRoutableModel(t *testing.T) {
	r := NewModelRouter(config.RoutingConfig{}, logger.Nop())
	_, err := r.Route(domain.AgentDefinition{ID: "bare"}, TierFull)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestRouteSkipsUnparseableRef(t *testing.T) {
	r := NewModelRouter(testRouting(), logger.Nop())
	def := domain.AgentDefinition{ID: "x", DefaultModel: "no-slash-here"}
	dec, err := r.Route(def, TierFull)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(dec.Candidates) != 1 || dec.Candidates[0].Provider != "ollama" {
		t.Errorf("candidates = %+v, want bad ref skipped", dec.Candidates)
	}
}
