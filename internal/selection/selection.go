// Package selection implements spec §4.3's account pool and selection:
// sticky routing keyed by (conversation_id, branch_id) and a 5-hour
// rolling-output-token budget fallback, gated by circuit-breaker
// availability. Generalizes the teacher's internal/scheduler package
// (named separately from internal/pool, which is the teacher's
// per-account HTTP connection pool — a distinct, unrelated "pool").
package selection

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"

	"anthraxy/internal/apperr"
	"anthraxy/internal/circuit"
)

// BudgetReader is the writer's read path spec §4.3 step 3 describes:
// "each member's 5-hour rolling output-token sum via the writer's read
// path". Implemented by *store.Store.
type BudgetReader interface {
	RollingOutputTokens(ctx context.Context, accountID string, window time.Duration) (int64, error)
}

// Config controls selection tuning (spec §4.3, §5).
type Config struct {
	OutputTokenBudget int64
	RollingWindow     time.Duration
	StickyTTL         time.Duration
	StickyCacheSize   int
}

func DefaultConfig() Config {
	return Config{
		OutputTokenBudget: 140_000,
		RollingWindow:     5 * time.Hour,
		StickyTTL:         1 * time.Hour,
		StickyCacheSize:   10_000,
	}
}

type stickyValue struct {
	accountID string
	expiresAt time.Time
}

// Selector picks one account_id per request from a pool descriptor's
// member list.
type Selector struct {
	cfg     Config
	budget  BudgetReader
	circuit circuit.Manager
	sticky  *lru.Cache
}

// New builds a Selector. The sticky cache is bounded to
// cfg.StickyCacheSize entries (spec §5: 10,000), replacing the
// teacher's unbounded map+ticker-cleanup scheduler with
// hashicorp/golang-lru so eviction is automatic rather than a separate
// goroutine.
func New(cfg Config, budget BudgetReader, circuitMgr circuit.Manager) (*Selector, error) {
	c, err := lru.New(cfg.StickyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("selection: sticky cache: %w", err)
	}
	return &Selector{cfg: cfg, budget: budget, circuit: circuitMgr, sticky: c}, nil
}

func stickyKey(conversationID, branchID string) string {
	return conversationID + "\x00" + branchID
}

// Select implements spec §4.3 steps 1-5.
func (s *Selector) Select(ctx context.Context, conversationID, branchID string, memberIDs []string) (string, error) {
	if len(memberIDs) == 0 {
		return "", &apperr.RateLimitExhaustedError{Message: "pool has no member accounts configured"}
	}

	key := stickyKey(conversationID, branchID)
	if conversationID != "" {
		if v, ok := s.sticky.Get(key); ok {
			sv := v.(stickyValue)
			if time.Now().Before(sv.expiresAt) && s.circuit.IsAvailable(sv.accountID) {
				if used, err := s.budget.RollingOutputTokens(ctx, sv.accountID, s.cfg.RollingWindow); err == nil && used < s.cfg.OutputTokenBudget {
					return sv.accountID, nil
				}
			}
			s.sticky.Remove(key)
		}
	}

	available := s.circuit.GetAvailableAccounts(memberIDs)
	if len(available) == 0 {
		available = memberIDs
	}

	type candidate struct {
		accountID string
		used      int64
	}
	var candidates []candidate
	for _, id := range available {
		used, err := s.budget.RollingOutputTokens(ctx, id, s.cfg.RollingWindow)
		if err != nil {
			log.Warn().Err(err).Str("account_id", id).Msg("selection: rolling budget lookup failed, skipping")
			continue
		}
		if used < s.cfg.OutputTokenBudget {
			candidates = append(candidates, candidate{accountID: id, used: used})
		}
	}

	if len(candidates) == 0 {
		return "", &apperr.RateLimitExhaustedError{Message: "Rate-limit exhausted: no pool member has remaining output-token budget"}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].used != candidates[j].used {
			return candidates[i].used < candidates[j].used
		}
		return candidates[i].accountID < candidates[j].accountID
	})

	selected := candidates[0].accountID
	if conversationID != "" {
		s.sticky.Add(key, stickyValue{accountID: selected, expiresAt: time.Now().Add(s.cfg.StickyTTL)})
	}
	return selected, nil
}
