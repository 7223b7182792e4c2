// Package storage defines the durable-storage collaborator the Lifecycle
// Controller persists evaluations through (spec §1/§6: storage is an
// external service, not owned by this module) plus an HTTP client
// implementation and an in-memory fake for tests.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/codepr/crucible/internal/eval"
)

// ErrNotFound is returned when an evaluation ID has no stored record.
var ErrNotFound = errors.New("storage: evaluation not found")

// ListFilter narrows List to evaluations matching the given fields; zero
// values are wildcards.
type ListFilter struct {
	Status eval.Status
}

// Page bounds a List call.
type Page struct {
	Offset int
	Limit  int
}

// Store is the durable persistence seam for Evaluation records.
type Store interface {
	Put(ctx context.Context, e *eval.Evaluation) error
	Get(ctx context.Context, evalID string) (*eval.Evaluation, error)
	List(ctx context.Context, filter ListFilter, page Page) ([]*eval.Evaluation, error)
}

// Memory is an in-process Store, used by tests and by a single-node
// deployment that has no external storage service configured.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]*eval.Evaluation
	// order preserves insertion order so List's pagination is stable and
	// deterministic across calls, matching what an ORDER BY submitted_at
	// query against real durable storage would give.
	order []string
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{byID: map[string]*eval.Evaluation{}}
}

func (m *Memory) Put(ctx context.Context, e *eval.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[e.ID]; !exists {
		m.order = append(m.order, e.ID)
	}
	m.byID[e.ID] = e
	return nil
}

func (m *Memory) Get(ctx context.Context, evalID string) (*eval.Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[evalID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Memory) List(ctx context.Context, filter ListFilter, page Page) ([]*eval.Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*eval.Evaluation
	for _, id := range m.order {
		e := m.byID[id]
		if filter.Status != "" && e.CurrentStatus() != filter.Status {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].SubmittedAt.Before(matched[j].SubmittedAt)
	})

	if page.Offset >= len(matched) {
		return []*eval.Evaluation{}, nil
	}
	end := page.Offset + page.Limit
	if page.Limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[page.Offset:end], nil
}
