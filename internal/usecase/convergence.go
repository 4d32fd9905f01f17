package usecase

import (
	"fmt"
	"strings"

	"convergio/internal/domain"
)

// Converger assembles the contributions of a joined delegation into one
// attributed answer. It is deterministic: sections follow dispatch order,
// and the same task always converges to the same text.
type Converger struct {
	// DisplayNames maps agent ids to presentation names for section
	// headings. Unknown agents fall back to their id.
	DisplayNames map[string]string
}

// NewConverger creates a converger with the given display names.
func NewConverger(displayNames map[string]string) *Converger {
	return &Converger{DisplayNames: displayNames}
}

// Converge builds the final answer from a joined task. Every subtask is
// accounted for exactly once: succeeded ones become contributions, the rest
// become missing entries with their reason. Complete is true only when
// nothing is missing. A task with no contributions at all does not converge
// and returns ErrNoContributions.
func (c *Converger) Converge(task *domain.DelegationTask) (*domain.FinalAnswer, error) {
	if task == nil || len(task.Subtasks) == 0 {
		return nil, domain.NewDomainError("Converger.Converge", domain.ErrInvalidInput, "empty task")
	}

	answer := &domain.FinalAnswer{}
	var sections []string

	for _, st := range task.Subtasks {
		switch st.Status {
		case domain.SubtaskSucceeded:
			answer.Contributions = append(answer.Contributions, domain.Contribution{
				AgentID:   st.AgentID,
				SubtaskID: st.ID,
				Content:   st.Result,
			})
			sections = append(sections, fmt.Sprintf("## %s's Analysis\n\n%s",
				c.displayName(st.AgentID), st.Result))
		case domain.SubtaskFailed, domain.SubtaskTimedOut:
			answer.Missing = append(answer.Missing, domain.MissingContribution{
				AgentID:   st.AgentID,
				SubtaskID: st.ID,
				Reason:    st.Status,
				Error:     st.Error,
			})
		default:
			// A non-terminal subtask reaching convergence is a join bug.
			return nil, domain.NewDomainError("Converger.Converge", domain.ErrInvalidInput,
				fmt.Sprintf("subtask %s still %s", st.ID, st.Status))
		}
	}

	if len(answer.Contributions) == 0 {
		return nil, domain.NewDomainError("Converger.Converge", domain.ErrNoContributions,
			Describe(task))
	}

	answer.Complete = len(answer.Missing) == 0
	if !answer.Complete {
		sections = append(sections, c.missingSection(answer.Missing))
	}
	answer.Text = strings.Join(sections, "\n\n")
	return answer, nil
}

// missingSection renders the gaps so a degraded answer is never presented
// as whole.
func (c *Converger) missingSection(missing []domain.MissingContribution) string {
	var b strings.Builder
	b.WriteString("## Incomplete\n")
	for _, m := range missing {
		reason := "failed"
		if m.Reason == domain.SubtaskTimedOut {
			reason = "did not finish in time"
		}
		fmt.Fprintf(&b, "\n- %s %s", c.displayName(m.AgentID), reason)
		if m.Error != "" && m.Reason != domain.SubtaskTimedOut {
			fmt.Fprintf(&b, ": %s", m.Error)
		}
	}
	return b.String()
}

func (c *Converger) displayName(agentID string) string {
	if name, ok := c.DisplayNames[agentID]; ok && name != "" {
		return name
	}
	return agentID
}
