package classify

import "testing"

func TestClassifyQuotaShortCircuit(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "  Quota  "}}
	if got := Classify(nil, msgs); got != TypeQuota {
		t.Fatalf("expected %q, got %q", TypeQuota, got)
	}
}

func TestClassifyQueryEvaluationBelowThreshold(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hi"}}
	if got := Classify(nil, msgs); got != TypeQueryEvaluation {
		t.Fatalf("expected %q, got %q", TypeQueryEvaluation, got)
	}
}

func TestClassifyInferenceAtThreshold(t *testing.T) {
	system := []interface{}{"first", "second"}
	msgs := []Message{{Role: "user", Content: "hi"}}
	if got := Classify(system, msgs); got != TypeInference {
		t.Fatalf("expected %q, got %q", TypeInference, got)
	}
}

func TestCountSystemMessagesStringCountsOne(t *testing.T) {
	if got := CountSystemMessages("a system prompt", nil); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestCountSystemMessagesArrayCountsElements(t *testing.T) {
	system := []interface{}{"a", "b", "c"}
	if got := CountSystemMessages(system, nil); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestCountSystemMessagesIncludesSystemRoleMessages(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "hi"},
	}
	if got := CountSystemMessages("top-level", msgs); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}
