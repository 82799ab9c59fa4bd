package app

import (
	"time"

	"thesis/api/internal/domain"
	"thesis/api/internal/versions"
)

// SubmissionView is the JSON shape of a submission. PartName is empty for
// full-unit uploads; PartKey is the normalized grouping key.
type SubmissionView struct {
	ID                string              `json:"id"`
	ResearchID        string              `json:"researchId"`
	UnitType          domain.UnitType     `json:"unitType"`
	PartName          string              `json:"partName"`
	PartKey           string              `json:"partKey"`
	Title             string              `json:"title,omitempty"`
	Version           int                 `json:"version"`
	Filename          string              `json:"filename"`
	ContentType       string              `json:"contentType,omitempty"`
	Size              int64               `json:"size"`
	Checksum          string              `json:"checksum,omitempty"`
	UploadedAt        time.Time           `json:"uploadedAt"`
	UploadedBy        string              `json:"uploadedBy"`
	Status            domain.Status       `json:"status"`
	ReviewComment     string              `json:"reviewComment,omitempty"`
	ReviewedBy        string              `json:"reviewedBy,omitempty"`
	ReviewedAt        *time.Time          `json:"reviewedAt,omitempty"`
	ReviewAttachments []domain.Attachment `json:"reviewAttachments"`
}

type PartView struct {
	PartKey  string           `json:"partKey"`
	PartName string           `json:"partName"`
	Current  SubmissionView   `json:"current"`
	History  []SubmissionView `json:"history"`
}

type UnitHistoryView struct {
	UnitType    domain.UnitType           `json:"unitType"`
	Submissions []SubmissionView          `json:"submissions"`
	Parts       []PartView                `json:"parts"`
	Current     map[string]SubmissionView `json:"current"`
}

func submissionView(sub domain.Submission) SubmissionView {
	key := domain.NormalizePartString(sub.PartName)
	attachments := sub.ReviewAttachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	return SubmissionView{
		ID:                sub.ID,
		ResearchID:        sub.ResearchID,
		UnitType:          sub.UnitType,
		PartName:          displayPart(key),
		PartKey:           key,
		Title:             sub.Title,
		Version:           sub.Version,
		Filename:          sub.Filename,
		ContentType:       sub.ContentType,
		Size:              sub.Size,
		Checksum:          sub.Checksum,
		UploadedAt:        sub.UploadedAt,
		UploadedBy:        sub.UploadedBy,
		Status:            sub.Status,
		ReviewComment:     sub.ReviewComment,
		ReviewedBy:        sub.ReviewedBy,
		ReviewedAt:        sub.ReviewedAt,
		ReviewAttachments: attachments,
	}
}

func displayPart(key string) string {
	if key == domain.FullUnit {
		return ""
	}
	return key
}

func submissionViews(items []domain.Submission) []SubmissionView {
	views := make([]SubmissionView, 0, len(items))
	for _, item := range items {
		views = append(views, submissionView(item))
	}
	return views
}

// historyView lists every unit type in display order, empty ones included.
func historyView(history versions.History) []UnitHistoryView {
	units := make([]UnitHistoryView, 0, len(domain.UnitTypes))
	for _, unitType := range domain.UnitTypes {
		unit := history.Unit(unitType)
		view := UnitHistoryView{
			UnitType:    unitType,
			Submissions: submissionViews(unit.Submissions),
			Parts:       make([]PartView, 0, len(unit.Parts)),
			Current:     make(map[string]SubmissionView, len(unit.Current)),
		}
		for _, part := range unit.Parts {
			view.Parts = append(view.Parts, PartView{
				PartKey:  part.Key,
				PartName: displayPart(part.Key),
				Current:  submissionView(part.Current),
				History:  submissionViews(part.History),
			})
		}
		for key, current := range unit.Current {
			view.Current[key] = submissionView(current)
		}
		units = append(units, view)
	}
	return units
}
