package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// FullUnit is the part key of a submission that covers the whole unit.
const FullUnit = "__full_unit__"

var ErrReservedPartName = errors.New("part name uses reserved prefix")

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizePartName collapses nil, empty and whitespace-only part names to
// FullUnit and squeezes inner whitespace of named parts.
func NormalizePartName(partName *string) string {
	if partName == nil {
		return FullUnit
	}
	trimmed := strings.TrimSpace(*partName)
	if trimmed == "" {
		return FullUnit
	}
	return whitespaceRun.ReplaceAllString(trimmed, " ")
}

// NormalizePartString is NormalizePartName for callers holding a plain string.
func NormalizePartString(partName string) string {
	return NormalizePartName(&partName)
}

// ValidatePartName rejects names that would collide with FullUnit.
func ValidatePartName(partName string) error {
	if strings.HasPrefix(strings.TrimSpace(partName), "__") {
		return ErrReservedPartName
	}
	return nil
}

// UnitKey identifies a logical unit: one independently versioned submission slot.
type UnitKey struct {
	ResearchID string
	UnitType   UnitType
	PartName   string
}

// PartKey returns the normalized part name of the key.
func (k UnitKey) PartKey() string {
	return NormalizePartString(k.PartName)
}

func (k UnitKey) String() string {
	return k.ResearchID + "/" + string(k.UnitType) + "/" + k.PartKey()
}

type Attachment struct {
	Filename    string `json:"filename"`
	StorageRef  string `json:"storageRef"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
}

type Submission struct {
	ID                string
	ResearchID        string
	UnitType          UnitType
	PartName          string
	Title             string
	Version           int
	Filename          string
	ContentType       string
	Size              int64
	Checksum          string
	StorageRef        string
	UploadedAt        time.Time
	UploadedBy        string
	Status            Status
	ReviewComment     string
	ReviewedBy        string
	ReviewedAt        *time.Time
	ReviewAttachments []Attachment
}

// Key returns the logical unit the submission belongs to.
func (s Submission) Key() UnitKey {
	return UnitKey{ResearchID: s.ResearchID, UnitType: s.UnitType, PartName: s.PartName}
}

// IsFullUnit reports whether the submission covers the whole unit.
func (s Submission) IsFullUnit() bool {
	return NormalizePartString(s.PartName) == FullUnit
}

type Milestone struct {
	ID             string          `json:"id"`
	ResearchID     string          `json:"researchId"`
	StageKey       string          `json:"stageKey"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Unit           UnitType        `json:"unit,omitempty"`
	SortOrder      int             `json:"sortOrder"`
	DueDate        *time.Time      `json:"dueDate,omitempty"`
	Status         MilestoneStatus `json:"status"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	SubmissionLink string          `json:"submissionLink,omitempty"`
}

type Research struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	StudentID  string     `json:"studentId"`
	AdviserID  string     `json:"adviserId"`
	Timezone   string     `json:"timezone,omitempty"`
	SharedWith []string   `json:"sharedWith"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Location resolves the research timezone, falling back to fallback.
func (r Research) Location(fallback *time.Location) *time.Location {
	if r.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// IsMember reports whether userID owns, advises or was shared the project.
func (r Research) IsMember(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == r.StudentID || userID == r.AdviserID {
		return true
	}
	for _, shared := range r.SharedWith {
		if shared == userID {
			return true
		}
	}
	return false
}

// Identity is the caller supplied by the transport for a single request.
type Identity struct {
	UserID string
	Name   string
	Role   string
}
