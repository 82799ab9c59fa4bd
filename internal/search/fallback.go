package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"thesis/api/internal/store"
)

// StoreSearch answers queries with the store's substring filter over
// filename, part name and title (ILIKE on Postgres).
type StoreSearch struct {
	store store.Store
}

func NewStoreSearch(s store.Store) *StoreSearch {
	return &StoreSearch{store: s}
}

func (s *StoreSearch) Healthy() bool {
	return true
}

func (s *StoreSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	items, err := store.Collect(s.store.ListSubmissions(context.Background(), q.ResearchID, store.SubmissionFilter{Query: q.Text}))
	if err != nil {
		return nil, 0, fmt.Errorf("store search: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].UploadedAt.After(items[j].UploadedAt) })

	total := len(items)
	if offset >= total {
		return []Result{}, total, nil
	}
	end := min(offset+limit, total)
	results := make([]Result, 0, end-offset)
	for _, sub := range items[offset:end] {
		results = append(results, resultFromSubmission(sub))
	}
	return results, total, nil
}
