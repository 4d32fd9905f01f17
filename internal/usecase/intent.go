package usecase

import (
	"strings"

	"convergio/internal/domain"
)

// Intent is the parsed routing decision for one user request: either the
// coordinator answers directly, or the request fans out to specialists.
type Intent struct {
	Delegate bool
	Subtasks []SubtaskSpec
}

// IntentParser turns a raw request into an Intent given the registered
// specialists.
type IntentParser interface {
	Parse(request string, specialists []domain.AgentDefinition) (Intent, error)
}

// KeywordRule routes requests containing any of its keywords to an agent.
type KeywordRule struct {
	AgentID  string
	Keywords []string
}

// RuleIntentParser parses requests with two mechanisms, checked in order:
// explicit "@agent" mentions anywhere in the request, then keyword rules.
// A request matching several agents fans out to all of them; a request
// matching none stays with the coordinator.
type RuleIntentParser struct {
	rules []KeywordRule
}

// NewRuleIntentParser creates a parser over the given rules.
func NewRuleIntentParser(rules []KeywordRule) *RuleIntentParser {
	return &RuleIntentParser{rules: rules}
}

var _ IntentParser = (*RuleIntentParser)(nil)

// Parse implements IntentParser.
func (p *RuleIntentParser) Parse(request string, specialists []domain.AgentDefinition) (Intent, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return Intent{}, domain.NewDomainError("IntentParser.Parse", domain.ErrInvalidInput, "empty request")
	}

	known := make(map[string]bool, len(specialists))
	for _, def := range specialists {
		known[def.ID] = true
	}

	if specs := p.mentions(request, known); len(specs) > 0 {
		return Intent{Delegate: true, Subtasks: specs}, nil
	}
	if specs := p.keywordMatches(request, known); len(specs) > 0 {
		return Intent{Delegate: true, Subtasks: specs}, nil
	}
	return Intent{}, nil
}

// mentions extracts "@agent" references to registered specialists. The
// mention syntax wins over keyword rules so the user can always force a
// route. Mentioned agents all receive the request with mentions stripped.
func (p *RuleIntentParser) mentions(request string, known map[string]bool) []SubtaskSpec {
	var agents []string
	seen := map[string]bool{}
	for _, word := range strings.Fields(request) {
		if !strings.HasPrefix(word, "@") {
			continue
		}
		id := strings.TrimRight(strings.TrimPrefix(word, "@"), ".,:;!?")
		if known[id] && !seen[id] {
			seen[id] = true
			agents = append(agents, id)
		}
	}
	if len(agents) == 0 {
		return nil
	}

	prompt := stripMentions(request)
	specs := make([]SubtaskSpec, len(agents))
	for i, id := range agents {
		specs[i] = SubtaskSpec{AgentID: id, Prompt: prompt}
	}
	return specs
}

func stripMentions(request string) string {
	var kept []string
	for _, word := range strings.Fields(request) {
		if strings.HasPrefix(word, "@") {
			continue
		}
		kept = append(kept, word)
	}
	return strings.Join(kept, " ")
}

// keywordMatches applies the rules in order; each agent joins the fan-out
// at most once.
func (p *RuleIntentParser) keywordMatches(request string, known map[string]bool) []SubtaskSpec {
	lower := strings.ToLower(request)
	var specs []SubtaskSpec
	seen := map[string]bool{}
	for _, rule := range p.rules {
		if !known[rule.AgentID] || seen[rule.AgentID] {
			continue
		}
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				seen[rule.AgentID] = true
				specs = append(specs, SubtaskSpec{AgentID: rule.AgentID, Prompt: request})
				break
			}
		}
	}
	return specs
}
