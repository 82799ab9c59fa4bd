package search

import (
	"context"
	"iter"

	"thesis/api/internal/domain"
	"thesis/api/internal/logger"
)

// Index is the write side of the primary engine.
type Index interface {
	Searcher
	IndexSubmissions(records []SubmissionRecord) error
	DeleteSubmission(id string) error
}

// Service is the facade that tries the primary index first and falls back to the store.
type Service struct {
	primary  Index
	fallback Searcher
}

// NewService creates a search service. primary may be nil when Meilisearch is not configured.
func NewService(primary Index, fallback Searcher) *Service {
	return &Service{primary: primary, fallback: fallback}
}

// PrimaryHealthy reports whether queries currently go to Meilisearch.
func (s *Service) PrimaryHealthy() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(q Query) Response {
	log := logger.Get()
	if s.PrimaryHealthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		log.Warn().Err(err).Msg("search: primary error, falling back to store")
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Error().Err(err).Msg("search: fallback error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "store"}
}

// IndexSubmission indexes a submission (fire-and-forget).
func (s *Service) IndexSubmission(sub domain.Submission) {
	if !s.PrimaryHealthy() {
		return
	}
	record := RecordFromSubmission(sub)
	go func() {
		if err := s.primary.IndexSubmissions([]SubmissionRecord{record}); err != nil {
			log := logger.Get()
			log.Warn().Err(err).Str("submission_id", record.ID).Msg("search: index submission")
		}
	}()
}

// DeleteSubmission removes a submission from the index (fire-and-forget).
func (s *Service) DeleteSubmission(id string) {
	if !s.PrimaryHealthy() {
		return
	}
	go func() {
		if err := s.primary.DeleteSubmission(id); err != nil {
			log := logger.Get()
			log.Warn().Err(err).Str("submission_id", id).Msg("search: delete submission")
		}
	}()
}

// Reindex pushes every submission of seq to the primary index in batches and
// returns how many were sent.
func (s *Service) Reindex(ctx context.Context, seq iter.Seq2[domain.Submission, error]) (int, error) {
	if !s.PrimaryHealthy() {
		return 0, nil
	}
	const batchSize = 500
	batch := make([]SubmissionRecord, 0, batchSize)
	sent := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.primary.IndexSubmissions(batch); err != nil {
			return err
		}
		sent += len(batch)
		batch = batch[:0]
		return nil
	}

	for sub, err := range seq {
		if err != nil {
			return sent, err
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		batch = append(batch, RecordFromSubmission(sub))
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return sent, err
			}
		}
	}
	return sent, flush()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
