// Package domain holds the records and closed enumerations shared by the
// submission, review and progress engines.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidUnitType   = errors.New("invalid unit type")
	ErrInvalidStatus     = errors.New("invalid submission status")
	ErrInvalidDecision   = errors.New("invalid review decision")
	ErrInvalidBulkAction = errors.New("invalid bulk action")
	ErrInvalidEntityKind = errors.New("invalid entity kind")
)

type UnitType string

const (
	UnitChapter1       UnitType = "chapter1"
	UnitChapter2       UnitType = "chapter2"
	UnitChapter3       UnitType = "chapter3"
	UnitComplianceForm UnitType = "complianceForm"
)

// UnitTypes lists every unit type in display order.
var UnitTypes = []UnitType{UnitChapter1, UnitChapter2, UnitChapter3, UnitComplianceForm}

func (u UnitType) Valid() bool {
	switch u {
	case UnitChapter1, UnitChapter2, UnitChapter3, UnitComplianceForm:
		return true
	default:
		return false
	}
}

func ParseUnitType(value string) (UnitType, error) {
	trimmed := strings.TrimSpace(value)
	for _, candidate := range UnitTypes {
		if strings.EqualFold(trimmed, string(candidate)) {
			return candidate, nil
		}
	}
	switch strings.ToLower(trimmed) {
	case "compliance-form", "compliance_form", "compliance":
		return UnitComplianceForm, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUnitType, value)
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusRevision Status = "revision"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusRevision:
		return true
	default:
		return false
	}
}

func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
	return status, nil
}

type Decision string

const (
	DecisionApprove         Decision = "approve"
	DecisionReject          Decision = "reject"
	DecisionRequestRevision Decision = "requestRevision"
)

func ParseDecision(value string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approve", "approved":
		return DecisionApprove, nil
	case "reject", "rejected":
		return DecisionReject, nil
	case "requestrevision", "request-revision", "revision", "revise":
		return DecisionRequestRevision, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, value)
	}
}

type MilestoneStatus string

const (
	MilestoneNotStarted MilestoneStatus = "not-started"
	MilestoneInProgress MilestoneStatus = "in-progress"
	MilestoneCompleted  MilestoneStatus = "completed"
)

type EntityKind string

const (
	EntityResearch   EntityKind = "research"
	EntitySubmission EntityKind = "submission"
)

func ParseEntityKind(value string) (EntityKind, error) {
	switch EntityKind(strings.ToLower(strings.TrimSpace(value))) {
	case EntityResearch:
		return EntityResearch, nil
	case EntitySubmission:
		return EntitySubmission, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityKind, value)
	}
}

type BulkAction string

const (
	ActionArchive         BulkAction = "archive"
	ActionUnarchive       BulkAction = "unarchive"
	ActionApprove         BulkAction = "approve"
	ActionShare           BulkAction = "share"
	ActionRestore         BulkAction = "restore"
	ActionPermanentDelete BulkAction = "permanent-delete"
)

func ParseBulkAction(value string) (BulkAction, error) {
	switch BulkAction(strings.ToLower(strings.TrimSpace(value))) {
	case ActionArchive:
		return ActionArchive, nil
	case ActionUnarchive:
		return ActionUnarchive, nil
	case ActionApprove:
		return ActionApprove, nil
	case ActionShare:
		return ActionShare, nil
	case ActionRestore:
		return ActionRestore, nil
	case ActionPermanentDelete, "permanent_delete", "delete":
		return ActionPermanentDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBulkAction, value)
	}
}
