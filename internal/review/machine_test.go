package review

import (
	"errors"
	"testing"
	"time"

	"thesis/api/internal/domain"
)

func TestPlanOnlyAcceptsPending(t *testing.T) {
	now := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	decisions := []domain.Decision{domain.DecisionApprove, domain.DecisionReject, domain.DecisionRequestRevision}
	statuses := []domain.Status{domain.StatusPending, domain.StatusApproved, domain.StatusRejected, domain.StatusRevision}

	for _, status := range statuses {
		for _, decision := range decisions {
			t.Run(string(status)+"/"+string(decision), func(t *testing.T) {
				_, err := Plan(status, Request{SubmissionID: "s1", ReviewerID: "adv", Decision: decision, Comment: "looks fine"}, now)
				if status == domain.StatusPending {
					if err != nil {
						t.Fatalf("expected pending to accept %s, got %v", decision, err)
					}
					return
				}
				if !errors.Is(err, ErrInvalidState) {
					t.Fatalf("expected ErrInvalidState, got %v", err)
				}
			})
		}
	}
}

func TestPlanRejectsNonPendingBeforeValidatingRequest(t *testing.T) {
	now := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	decisions := []domain.Decision{domain.DecisionApprove, domain.DecisionReject, domain.DecisionRequestRevision}
	statuses := []domain.Status{domain.StatusApproved, domain.StatusRejected, domain.StatusRevision}
	comments := map[string]string{"with comment": "see margin notes", "without comment": ""}

	for _, status := range statuses {
		for _, decision := range decisions {
			for label, comment := range comments {
				t.Run(string(status)+"/"+string(decision)+"/"+label, func(t *testing.T) {
					_, err := Plan(status, Request{SubmissionID: "s1", ReviewerID: "adv", Decision: decision, Comment: comment}, now)
					if !errors.Is(err, ErrInvalidState) {
						t.Fatalf("expected ErrInvalidState, got %v", err)
					}
					if errors.Is(err, ErrCommentRequired) {
						t.Fatalf("state failure must not report a missing comment: %v", err)
					}
				})
			}
		}
	}
}

func TestPlanPendingStillRequiresComment(t *testing.T) {
	now := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	_, err := Plan(domain.StatusPending, Request{SubmissionID: "s1", ReviewerID: "adv", Decision: domain.DecisionReject}, now)
	if !errors.Is(err, ErrCommentRequired) {
		t.Fatalf("expected ErrCommentRequired, got %v", err)
	}
}

func TestPlanMapsDecisionToStatus(t *testing.T) {
	now := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	cases := []struct {
		decision domain.Decision
		want     domain.Status
	}{
		{domain.DecisionApprove, domain.StatusApproved},
		{domain.DecisionReject, domain.StatusRejected},
		{domain.DecisionRequestRevision, domain.StatusRevision},
	}
	for _, tc := range cases {
		transition, err := Plan(domain.StatusPending, Request{
			SubmissionID: "s1",
			ReviewerID:   "adv",
			Decision:     tc.decision,
			Comment:      "  fix the tables  ",
			Attachments:  []domain.Attachment{{Filename: "marked.pdf", StorageRef: "ref"}},
		}, now)
		if err != nil {
			t.Fatalf("%s: %v", tc.decision, err)
		}
		if transition.To != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.decision, tc.want, transition.To)
		}
		if transition.Comment != "fix the tables" || !transition.ReviewedAt.Equal(now) || transition.ReviewedBy != "adv" {
			t.Fatalf("%s: unexpected transition %+v", tc.decision, transition)
		}
		if len(transition.Attachments) != 1 {
			t.Fatalf("%s: expected attachments carried through", tc.decision)
		}
	}
}

func TestValidateCommentRules(t *testing.T) {
	cases := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "approve without comment", req: Request{SubmissionID: "s", ReviewerID: "a", Decision: domain.DecisionApprove}},
		{name: "reject without comment", req: Request{SubmissionID: "s", ReviewerID: "a", Decision: domain.DecisionReject, Comment: "   "}, wantErr: ErrCommentRequired},
		{name: "revision without comment", req: Request{SubmissionID: "s", ReviewerID: "a", Decision: domain.DecisionRequestRevision}, wantErr: ErrCommentRequired},
		{name: "unknown decision", req: Request{SubmissionID: "s", ReviewerID: "a", Decision: "escalate", Comment: "x"}, wantErr: domain.ErrInvalidDecision},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateRejectsAttachmentWithoutRef(t *testing.T) {
	err := Request{SubmissionID: "s", ReviewerID: "a", Decision: domain.DecisionApprove, Attachments: []domain.Attachment{{Filename: "x.pdf"}}}.Validate()
	if err == nil {
		t.Fatal("expected attachment validation error")
	}
}

func TestCanDelete(t *testing.T) {
	if CanDelete(domain.StatusApproved) {
		t.Fatal("approved submissions must not be deletable")
	}
	for _, status := range []domain.Status{domain.StatusPending, domain.StatusRejected, domain.StatusRevision} {
		if !CanDelete(status) {
			t.Fatalf("expected %s to be deletable", status)
		}
	}
}
