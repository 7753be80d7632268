package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	err := NewProvisionError("sandbox provisioning failed", base)

	if !errors.Is(err, base) {
		t.Error("expected underlying error to be reachable")
	}
	if ClassOf(err) != ErrorClassProvision {
		t.Errorf("expected provision class, got %s", ClassOf(err))
	}
	if !err.IsRetryable() {
		t.Error("provision errors are retryable")
	}
	if NewExecutionError("exit 1", nil).IsRetryable() {
		t.Error("execution errors are not retryable")
	}

	wrapped := fmt.Errorf("request failed: %w", err)
	if ClassOf(wrapped) != ErrorClassProvision {
		t.Errorf("class lost through wrapping, got %s", ClassOf(wrapped))
	}
	if ClassOf(errors.New("plain")) != ErrorClassInternal {
		t.Error("unclassified errors default to internal")
	}
}

func TestErrorIsMatchesByClass(t *testing.T) {
	a := NewConflictError("slot taken", nil)
	b := NewConflictError("ordering violated", nil)
	if !errors.Is(a, b) {
		t.Error("conflict errors should match by class")
	}
	if errors.Is(a, NewTimeoutError("late", nil)) {
		t.Error("different classes must not match")
	}
}

func TestExitCodePropagation(t *testing.T) {
	err := withExitCode(NewExecutionError("command exited with code 2", nil), 2)
	if code := exitCodeOf(err); code == nil || *code != 2 {
		t.Fatalf("expected exit code 2, got %v", code)
	}
	if ClassOf(err) != ErrorClassExecution {
		t.Errorf("expected execution class through exit code wrapper, got %s", ClassOf(err))
	}
	if code := exitCodeOf(errors.New("plain")); code != nil {
		t.Errorf("expected no exit code, got %v", code)
	}
}

func TestAllowedMilestones(t *testing.T) {
	if got := AllowedMilestones("build"); len(got) != 2 {
		t.Errorf("build should start from two milestones, got %v", got)
	}
	if got := AllowedMilestones("apply"); len(got) != 1 || got[0] != "planned" {
		t.Errorf("apply should start only from planned, got %v", got)
	}
}
