package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"thesis/api/internal/domain"
	"thesis/api/internal/util"
)

// MemoryStore keeps everything in process. Version assignment is serialized
// per logical unit with a keyed mutex; distinct units proceed in parallel.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]domain.Submission
	research    map[string]domain.Research
	milestones  map[string][]domain.Milestone

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]domain.Submission),
		research:    make(map[string]domain.Research),
		milestones:  make(map[string][]domain.Milestone),
		locks:       make(map[string]*sync.Mutex),
		now:         time.Now,
	}
}

// WithClock replaces the upload timestamp source; used by tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) unitLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func (s *MemoryStore) CreateSubmission(_ context.Context, sub domain.Submission) (domain.Submission, error) {
	sub.PartName = domain.NormalizePartString(sub.PartName)
	key := sub.Key()
	lock := s.unitLock(key.String())
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	latest := 0
	for _, existing := range s.submissions {
		if existing.ResearchID == key.ResearchID && existing.UnitType == key.UnitType && existing.PartName == sub.PartName {
			if existing.Version > latest {
				latest = existing.Version
			}
		}
	}

	if sub.ID == "" {
		sub.ID = util.NewID("sub")
	}
	if _, exists := s.submissions[sub.ID]; exists {
		return domain.Submission{}, fmt.Errorf("create submission %s: %w", sub.ID, ErrVersionConflict)
	}
	sub.Version = latest + 1
	sub.Status = domain.StatusPending
	sub.UploadedAt = s.now()
	sub.ReviewAttachments = cloneAttachments(sub.ReviewAttachments)
	s.submissions[sub.ID] = sub
	return sub, nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, id string) (domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return domain.Submission{}, ErrNotFound
	}
	return copySubmission(sub), nil
}

// ListSubmissions snapshots matching rows on every iteration, so the sequence
// can be ranged over more than once.
func (s *MemoryStore) ListSubmissions(_ context.Context, researchID string, filter SubmissionFilter) iter.Seq2[domain.Submission, error] {
	return func(yield func(domain.Submission, error) bool) {
		s.mu.RLock()
		matched := make([]domain.Submission, 0)
		for _, sub := range s.submissions {
			if sub.ResearchID == researchID && filter.Match(sub) {
				matched = append(matched, copySubmission(sub))
			}
		}
		s.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
		for _, sub := range matched {
			if !yield(sub, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) ApplyReview(_ context.Context, id string, from domain.Status, update ReviewUpdate) (domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return domain.Submission{}, ErrNotFound
	}
	if sub.Status != from {
		return domain.Submission{}, fmt.Errorf("review %s from %s: %w", id, sub.Status, ErrStateChanged)
	}
	reviewedAt := update.ReviewedAt
	sub.Status = update.Status
	sub.ReviewedBy = update.ReviewedBy
	sub.ReviewedAt = &reviewedAt
	sub.ReviewComment = update.Comment
	sub.ReviewAttachments = append(cloneAttachments(sub.ReviewAttachments), update.Attachments...)
	s.submissions[id] = sub
	return copySubmission(sub), nil
}

func (s *MemoryStore) DeleteSubmission(_ context.Context, id string) (domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return domain.Submission{}, ErrNotFound
	}
	if sub.Status == domain.StatusApproved {
		return domain.Submission{}, ErrApprovedImmutable
	}
	delete(s.submissions, id)
	return sub, nil
}

func (s *MemoryStore) CreateResearch(_ context.Context, research domain.Research, milestones []domain.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.research[research.ID]; exists {
		return fmt.Errorf("create research %s: duplicate id", research.ID)
	}
	research.SharedWith = append([]string(nil), research.SharedWith...)
	s.research[research.ID] = research
	items := make([]domain.Milestone, len(milestones))
	copy(items, milestones)
	s.milestones[research.ID] = items
	return nil
}

func (s *MemoryStore) GetResearch(_ context.Context, id string) (domain.Research, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	research, ok := s.research[id]
	if !ok {
		return domain.Research{}, ErrNotFound
	}
	research.SharedWith = append([]string(nil), research.SharedWith...)
	return research, nil
}

func (s *MemoryStore) ListResearch(context.Context) ([]domain.Research, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.Research, 0, len(s.research))
	for _, research := range s.research {
		if research.DeletedAt != nil {
			continue
		}
		research.SharedWith = append([]string(nil), research.SharedWith...)
		items = append(items, research)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) SetResearchArchived(_ context.Context, id string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	research, ok := s.research[id]
	if !ok {
		return ErrNotFound
	}
	research.ArchivedAt = at
	s.research[id] = research
	return nil
}

func (s *MemoryStore) SetResearchDeleted(_ context.Context, id string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	research, ok := s.research[id]
	if !ok {
		return ErrNotFound
	}
	research.DeletedAt = at
	s.research[id] = research
	return nil
}

func (s *MemoryStore) AddResearchShares(_ context.Context, id string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	research, ok := s.research[id]
	if !ok {
		return ErrNotFound
	}
	research.SharedWith = mergeShares(research.SharedWith, userIDs)
	s.research[id] = research
	return nil
}

func (s *MemoryStore) PurgeResearch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	research, ok := s.research[id]
	if !ok {
		return ErrNotFound
	}
	if research.DeletedAt == nil {
		return ErrNotTrashed
	}
	for _, sub := range s.submissions {
		if sub.ResearchID == id && sub.Status == domain.StatusApproved {
			return ErrProtected
		}
	}
	for subID, sub := range s.submissions {
		if sub.ResearchID == id {
			delete(s.submissions, subID)
		}
	}
	delete(s.milestones, id)
	delete(s.research, id)
	return nil
}

func (s *MemoryStore) ListMilestones(_ context.Context, researchID string) ([]domain.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.research[researchID]; !ok {
		return nil, ErrNotFound
	}
	items := make([]domain.Milestone, len(s.milestones[researchID]))
	copy(items, s.milestones[researchID])
	sort.SliceStable(items, func(i, j int) bool { return items[i].SortOrder < items[j].SortOrder })
	return items, nil
}

func (s *MemoryStore) UpdateMilestone(_ context.Context, milestone domain.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.milestones[milestone.ResearchID]
	for i := range items {
		if items[i].ID == milestone.ID {
			items[i] = milestone
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func copySubmission(sub domain.Submission) domain.Submission {
	sub.ReviewAttachments = cloneAttachments(sub.ReviewAttachments)
	if sub.ReviewedAt != nil {
		reviewedAt := *sub.ReviewedAt
		sub.ReviewedAt = &reviewedAt
	}
	return sub
}

func cloneAttachments(items []domain.Attachment) []domain.Attachment {
	if len(items) == 0 {
		return []domain.Attachment{}
	}
	return append([]domain.Attachment(nil), items...)
}

func mergeShares(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	merged := make([]string, 0, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, userID := range list {
			if userID == "" {
				continue
			}
			if _, ok := seen[userID]; ok {
				continue
			}
			seen[userID] = struct{}{}
			merged = append(merged, userID)
		}
	}
	return merged
}
