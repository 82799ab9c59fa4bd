// Package review holds the submission review state machine.
package review

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"thesis/api/internal/domain"
)

var (
	ErrInvalidState    = errors.New("submission is not awaiting review")
	ErrCommentRequired = errors.New("review comment is required")
	ErrInvalidRequest  = errors.New("invalid review request")
)

const maxCommentLength = 10000

var outcomes = map[domain.Decision]domain.Status{
	domain.DecisionApprove:         domain.StatusApproved,
	domain.DecisionReject:          domain.StatusRejected,
	domain.DecisionRequestRevision: domain.StatusRevision,
}

// Outcome maps a decision onto the status it produces.
func Outcome(decision domain.Decision) (domain.Status, error) {
	status, ok := outcomes[decision]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidDecision, decision)
	}
	return status, nil
}

// CanReview reports whether a submission in status may be reviewed.
func CanReview(status domain.Status) bool {
	return status == domain.StatusPending
}

// CanDelete reports whether a submission in status may be removed.
func CanDelete(status domain.Status) bool {
	return status != domain.StatusApproved
}

// Request is one reviewer decision on one submission version.
type Request struct {
	SubmissionID string
	ReviewerID   string
	Decision     domain.Decision
	Comment      string
	Attachments  []domain.Attachment
}

// Validate checks the request independent of submission state.
func (r Request) Validate() error {
	if strings.TrimSpace(r.SubmissionID) == "" {
		return fmt.Errorf("%w: submission id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ReviewerID) == "" {
		return fmt.Errorf("%w: reviewer id is required", ErrInvalidRequest)
	}
	if _, err := Outcome(r.Decision); err != nil {
		return err
	}
	comment := strings.TrimSpace(r.Comment)
	if comment == "" && r.Decision != domain.DecisionApprove {
		return fmt.Errorf("%w for %s", ErrCommentRequired, r.Decision)
	}
	if len(comment) > maxCommentLength {
		return fmt.Errorf("%w: comment exceeds %d characters", ErrInvalidRequest, maxCommentLength)
	}
	for _, attachment := range r.Attachments {
		if strings.TrimSpace(attachment.StorageRef) == "" {
			return fmt.Errorf("%w: attachment is missing its storage reference", ErrInvalidRequest)
		}
	}
	return nil
}

// Transition is the state change a valid request applies to a pending submission.
type Transition struct {
	From        domain.Status
	To          domain.Status
	ReviewedBy  string
	ReviewedAt  time.Time
	Comment     string
	Attachments []domain.Attachment
}

// Plan checks the submission's current status, then validates r, and returns
// the transition to persist. Only pending submissions can be reviewed;
// approved, rejected and revision versions require a new upload instead, so
// a non-pending source fails with ErrInvalidState whatever the request holds.
func Plan(current domain.Status, r Request, now time.Time) (Transition, error) {
	if !CanReview(current) {
		return Transition{}, fmt.Errorf("%w: status is %s", ErrInvalidState, current)
	}
	if err := r.Validate(); err != nil {
		return Transition{}, err
	}
	to, _ := Outcome(r.Decision)
	attachments := r.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	return Transition{
		From:        current,
		To:          to,
		ReviewedBy:  r.ReviewerID,
		ReviewedAt:  now,
		Comment:     strings.TrimSpace(r.Comment),
		Attachments: attachments,
	}, nil
}
