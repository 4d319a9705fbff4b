package risk

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/mbd888/abuseguard/internal/pagination"
)

// DefaultHistoryPerIdentifier caps how many assessments MemoryStore keeps
// per identifier.
const DefaultHistoryPerIdentifier = 100

// MemoryStore is an in-memory Store for single-instance and test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*RiskAssessment // identifier → oldest first
	perKey      int
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*RiskAssessment),
		perKey:      DefaultHistoryPerIdentifier,
	}
}

func (s *MemoryStore) Record(_ context.Context, assessment *RiskAssessment) error {
	a := cloneAssessment(assessment)

	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.assessments[a.Identifier], a)
	if len(list) > s.perKey {
		list = list[len(list)-s.perKey:]
	}
	s.assessments[a.Identifier] = list
	return nil
}

func (s *MemoryStore) ListByIdentifier(_ context.Context, identifier string, before *pagination.Cursor, limit int) ([]*RiskAssessment, error) {
	s.mu.RLock()
	all := slices.Clone(s.assessments[identifier])
	s.mu.RUnlock()

	slices.SortStableFunc(all, newestFirst)
	if limit <= 0 {
		limit = len(all)
	}
	result := make([]*RiskAssessment, 0, min(limit, len(all)))
	for _, a := range all {
		if len(result) == limit {
			break
		}
		if before.Admits(a.EvaluatedAt, a.ID) {
			result = append(result, cloneAssessment(a))
		}
	}
	return result, nil
}

// newestFirst orders by (EvaluatedAt DESC, ID DESC), the same key the
// postgres store sorts on.
func newestFirst(a, b *RiskAssessment) int {
	if c := b.EvaluatedAt.Compare(a.EvaluatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

func cloneAssessment(a *RiskAssessment) *RiskAssessment {
	c := *a
	c.Flags = append([]string{}, a.Flags...)
	c.Err = nil
	return &c
}
