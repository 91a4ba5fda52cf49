package selection

import (
	"context"
	"testing"
	"time"

	"anthraxy/internal/circuit"
)

type fakeBudget struct {
	usage map[string]int64
}

func (f *fakeBudget) RollingOutputTokens(ctx context.Context, accountID string, window time.Duration) (int64, error) {
	return f.usage[accountID], nil
}

func newTestSelector(t *testing.T, usage map[string]int64) *Selector {
	t.Helper()
	circuitMgr := circuit.NewManager(circuit.DefaultBreakerConfig())
	sel, err := New(DefaultConfig(), &fakeBudget{usage: usage}, circuitMgr)
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	return sel
}

// TestSelectPicksLeastUsedUnderBudget implements spec §8 property 5's
// "no sticky mapping" branch: selection returns the member with the
// least rolling output tokens below budget, ties broken ascending by
// account_id.
func TestSelectPicksLeastUsedUnderBudget(t *testing.T) {
	sel := newTestSelector(t, map[string]int64{"acc1": 50_000, "acc2": 10_000})
	ctx := context.Background()

	got, err := sel.Select(ctx, "conv-1", "main", []string{"acc1", "acc2"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "acc2" {
		t.Fatalf("expected acc2 (least used), got %q", got)
	}
}

func TestSelectTieBrokenByAccountID(t *testing.T) {
	sel := newTestSelector(t, map[string]int64{"accB": 1000, "accA": 1000})
	ctx := context.Background()

	got, err := sel.Select(ctx, "conv-tie", "main", []string{"accB", "accA"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "accA" {
		t.Fatalf("expected accA (ascending tiebreak), got %q", got)
	}
}

// TestSelectReusesStickyMapping implements spec §8 property 5's
// in-budget sticky branch.
func TestSelectReusesStickyMapping(t *testing.T) {
	sel := newTestSelector(t, map[string]int64{"acc1": 10_000, "acc2": 10_000})
	ctx := context.Background()

	first, err := sel.Select(ctx, "conv-2", "main", []string{"acc1", "acc2"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	second, err := sel.Select(ctx, "conv-2", "main", []string{"acc1", "acc2"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if second != first {
		t.Fatalf("expected sticky reuse, got %q then %q", first, second)
	}
}

// TestSelectFallsBackWhenStickyOverBudget: a sticky account that
// exceeds the rolling budget is not reused.
func TestSelectFallsBackWhenStickyOverBudget(t *testing.T) {
	usage := map[string]int64{"acc1": 10_000, "acc2": 10_000}
	sel := newTestSelector(t, usage)
	ctx := context.Background()

	first, err := sel.Select(ctx, "conv-3", "main", []string{"acc1", "acc2"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	usage[first] = DefaultConfig().OutputTokenBudget + 1

	second, err := sel.Select(ctx, "conv-3", "main", []string{"acc1", "acc2"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if second == first {
		t.Fatalf("expected fallback away from over-budget sticky account")
	}
}

// TestSelectErrorsWhenPoolExhausted implements spec §8 S5: no member
// has budget.
func TestSelectErrorsWhenPoolExhausted(t *testing.T) {
	sel := newTestSelector(t, map[string]int64{"acc1": 200_000, "acc2": 200_000})
	ctx := context.Background()

	_, err := sel.Select(ctx, "conv-4", "main", []string{"acc1", "acc2"})
	if err == nil {
		t.Fatalf("expected error when pool exhausted")
	}
}
