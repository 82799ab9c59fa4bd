package store

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"thesis/api/internal/domain"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrNotTrashed      = errors.New("research is not in trash")
	ErrVersionConflict = errors.New("version assignment conflict")

	// ErrApprovedImmutable is returned when a write targets an approved submission.
	ErrApprovedImmutable = errors.New("approved submission is immutable")

	// ErrStateChanged is returned by conditional review updates whose expected
	// source state no longer holds.
	ErrStateChanged = errors.New("submission state changed")

	// ErrProtected is returned when a research project holds approved work.
	ErrProtected = errors.New("research has approved submissions")
)

// SubmissionFilter narrows ListSubmissions. Zero values match everything.
type SubmissionFilter struct {
	UnitType     domain.UnitType
	PartContains string
	Status       domain.Status
	UploadedFrom *time.Time
	// UploadedTo is exclusive.
	UploadedTo *time.Time
	Query      string
}

// Match reports whether the submission passes every populated filter.
func (f SubmissionFilter) Match(sub domain.Submission) bool {
	if f.UnitType != "" && sub.UnitType != f.UnitType {
		return false
	}
	if f.Status != "" && sub.Status != f.Status {
		return false
	}
	if needle := strings.TrimSpace(f.PartContains); needle != "" {
		if sub.IsFullUnit() || !containsFold(sub.PartName, needle) {
			return false
		}
	}
	if f.UploadedFrom != nil && sub.UploadedAt.Before(*f.UploadedFrom) {
		return false
	}
	if f.UploadedTo != nil && !sub.UploadedAt.Before(*f.UploadedTo) {
		return false
	}
	if needle := strings.TrimSpace(f.Query); needle != "" {
		if !containsFold(sub.Filename, needle) && !containsFold(sub.PartName, needle) && !containsFold(sub.Title, needle) {
			return false
		}
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// ReviewUpdate is the write half of a review transition.
type ReviewUpdate struct {
	Status      domain.Status
	ReviewedBy  string
	ReviewedAt  time.Time
	Comment     string
	Attachments []domain.Attachment
}

// Store persists submissions, research projects and their milestones.
type Store interface {
	CreateSubmission(context.Context, domain.Submission) (domain.Submission, error)
	GetSubmission(context.Context, string) (domain.Submission, error)
	ListSubmissions(context.Context, string, SubmissionFilter) iter.Seq2[domain.Submission, error]
	ApplyReview(context.Context, string, domain.Status, ReviewUpdate) (domain.Submission, error)
	DeleteSubmission(context.Context, string) (domain.Submission, error)

	CreateResearch(context.Context, domain.Research, []domain.Milestone) error
	GetResearch(context.Context, string) (domain.Research, error)
	// ListResearch returns every project that is not in the trash.
	ListResearch(context.Context) ([]domain.Research, error)
	SetResearchArchived(context.Context, string, *time.Time) error
	SetResearchDeleted(context.Context, string, *time.Time) error
	AddResearchShares(context.Context, string, []string) error
	PurgeResearch(context.Context, string) error

	ListMilestones(context.Context, string) ([]domain.Milestone, error)
	UpdateMilestone(context.Context, domain.Milestone) error

	Ping(context.Context) error
}

// Collect drains a submission sequence into a slice.
func Collect(seq iter.Seq2[domain.Submission, error]) ([]domain.Submission, error) {
	items := make([]domain.Submission, 0)
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
