package usecase

import (
	"errors"
	"strings"
	"testing"

	"convergio/internal/domain"
)

func joinedTask(subtasks ...domain.Subtask) *domain.DelegationTask {
	return &domain.DelegationTask{
		ID:       "task-1",
		Subtasks: subtasks,
		Status:   domain.TaskConverged,
	}
}

func TestConvergeCompleteAnswer(t *testing.T) {
	c := NewConverger(map[string]string{"researcher": "Researcher", "writer": "Writer"})
	task := joinedTask(
		domain.Subtask{ID: "s1", AgentID: "researcher", Status: domain.SubtaskSucceeded, Result: "three sources found"},
		domain.Subtask{ID: "s2", AgentID: "writer", Status: domain.SubtaskSucceeded, Result: "draft attached"},
	)

	answer, err := c.Converge(task)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if !answer.Complete {
		t.Error("Complete = false with no gaps")
	}
	if len(answer.Contributions) != 2 || len(answer.Missing) != 0 {
		t.Errorf("contributions = %d, missing = %d", len(answer.Contributions), len(answer.Missing))
	}

	// Sections follow dispatch order under display names.
	first := strings.Index(answer.Text, "## Researcher's Analysis")
	second := strings.Index(answer.Text, "## Writer's Analysis")
	if first == -1 || second == -1 || first > second {
		t.Errorf("section order wrong:\n%s", answer.Text)
	}
	if !strings.Contains(answer.Text, "three sources found") {
		t.Errorf("contribution content missing:\n%s", answer.Text)
	}
}

func TestConvergeDeterministic(t *testing.T) {
	c := NewConverger(nil)
	task := joinedTask(
		domain.Subtask{ID: "s1", AgentID: "a", Status: domain.SubtaskSucceeded, Result: "one"},
		domain.Subtask{ID: "s2", AgentID: "b", Status: domain.SubtaskSucceeded, Result: "two"},
	)

	first, err := c.Converge(task)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	second, err := c.Converge(task)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if first.Text != second.Text {
		t.Error("same task converged to different text")
	}
}

func TestConvergeAccountsForEverySubtask(t *testing.T) {
	c := NewConverger(nil)
	task := joinedTask(
		domain.Subtask{ID: "s1", AgentID: "a", Status: domain.SubtaskSucceeded, Result: "fine"},
		domain.Subtask{ID: "s2", AgentID: "b", Status: domain.SubtaskFailed, Error: "provider down"},
		domain.Subtask{ID: "s3", AgentID: "c", Status: domain.SubtaskTimedOut, Error: "deadline exceeded"},
	)

	answer, err := c.Converge(task)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if answer.Complete {
		t.Error("Complete = true with missing contributions")
	}
	if got := len(answer.Contributions) + len(answer.Missing); got != len(task.Subtasks) {
		t.Errorf("accounted subtasks = %d, want %d", got, len(task.Subtasks))
	}
	if len(answer.Missing) != 2 {
		t.Fatalf("missing = %+v, want 2 entries", answer.Missing)
	}
	if answer.Missing[0].Reason != domain.SubtaskFailed || answer.Missing[1].Reason != domain.SubtaskTimedOut {
		t.Errorf("missing reasons = %+v", answer.Missing)
	}

	// The text itself discloses the gaps.
	if !strings.Contains(answer.Text, "## Incomplete") {
		t.Errorf("no incomplete section:\n%s", answer.Text)
	}
	if !strings.Contains(answer.Text, "b failed: provider down") {
		t.Errorf("failure not disclosed:\n%s", answer.Text)
	}
	if !strings.Contains(answer.Text, "c did not finish in time") {
		t.Errorf("timeout not disclosed:\n%s", answer.Text)
	}
}

func TestConvergeAllFailed(t *testing.T) {
	c := NewConverger(nil)
	task := joinedTask(
		domain.Subtask{ID: "s1", AgentID: "a", Status: domain.SubtaskFailed, Error: "boom"},
		domain.Subtask{ID: "s2", AgentID: "b", Status: domain.SubtaskTimedOut},
	)

	_, err := c.Converge(task)
	if !errors.Is(err, domain.ErrNoContributions) {
		t.Errorf("err = %v, want ErrNoContributions", err)
	}
}

func TestConvergeRejectsNonTerminalSubtask(t *testing.T) {
	c := NewConverger(nil)
	task := joinedTask(
		domain.Subtask{ID: "s1", AgentID: "a", Status: domain.SubtaskRunning},
	)
	if _, err := c.Converge(task); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestConvergeEmptyTask(t *testing.T) {
	c := NewConverger(nil)
	if _, err := c.Converge(nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("nil task err = %v", err)
	}
	if _, err := c.Converge(&domain.DelegationTask{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty task err = %v", err)
	}
}
