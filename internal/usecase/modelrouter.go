package usecase

import (
	"log/slog"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
)

// ModelRouter maps an agent's preferred models onto the current budget tier.
// It produces an ordered candidate list; the gateway walks it until one
// provider answers.
type ModelRouter struct {
	cfg    config.RoutingConfig
	logger *slog.Logger
}

// NewModelRouter creates a router over the tier downgrade tables.
func NewModelRouter(cfg config.RoutingConfig, logger *slog.Logger) *ModelRouter {
	return &ModelRouter{cfg: cfg, logger: logger}
}

// Route builds the candidate list for one call. The agent's default model is
// substituted through the downgrade table of the active tier, then the
// agent's fallback and the global last resort are appended. Duplicates are
// removed keeping first occurrence, and the list is never empty as long as
// the definition or the last resort carries a parseable ref.
func (r *ModelRouter) Route(def domain.AgentDefinition, tier BudgetTier) (domain.RoutingDecision, error) {
	table := r.tableFor(tier)

	var refs []string
	if def.DefaultModel != "" {
		refs = append(refs, r.substitute(def.DefaultModel, table))
	}
	if def.FallbackModel != "" {
		refs = append(refs, r.substitute(def.FallbackModel, table))
	}
	if r.cfg.LastResort != "" {
		refs = append(refs, r.cfg.LastResort)
	}

	seen := make(map[string]bool, len(refs))
	var candidates []domain.ModelCandidate
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		candidate, err := domain.ParseModelRef(ref)
		if err != nil {
			r.logger.Warn("skipping unparseable model ref", "ref", ref, "agent_id", def.ID)
			continue
		}
		candidates = append(candidates, candidate)
	}

	if len(candidates) == 0 {
		return domain.RoutingDecision{}, domain.NewDomainError("ModelRouter.Route",
			domain.ErrInvalidInput, "no routable model for agent "+def.ID)
	}
	return domain.RoutingDecision{Candidates: candidates, Tier: string(tier)}, nil
}

// tableFor picks the downgrade table. Paused sessions only run overridden
// work, which should cost as little as possible, so paused shares the
// economy table.
func (r *ModelRouter) tableFor(tier BudgetTier) map[string]string {
	switch tier {
	case TierBalanced:
		return r.cfg.Balanced
	case TierEconomy, TierPaused:
		return r.cfg.Economy
	default:
		return nil
	}
}

func (r *ModelRouter) substitute(ref string, table map[string]string) string {
	if sub, ok := table[ref]; ok && sub != "" {
		return sub
	}
	return ref
}
