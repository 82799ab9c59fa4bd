package search

import (
	"time"

	"thesis/api/internal/domain"
)

// Result is a single search hit returned to the caller.
type Result struct {
	SubmissionID string `json:"submissionId"`
	ResearchID   string `json:"researchId"`
	UnitType     string `json:"unitType"`
	PartName     string `json:"partName,omitempty"`
	Version      int    `json:"version"`
	Status       string `json:"status"`
	Title        string `json:"title"`
	Snippet      string `json:"snippet"`
}

// Query describes a search request scoped to one research project.
type Query struct {
	ResearchID string
	Text       string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SubmissionRecord is the data indexed per submission version.
type SubmissionRecord struct {
	ID         string `json:"id"`
	ResearchID string `json:"researchId"`
	UnitType   string `json:"unitType"`
	PartName   string `json:"partName"`
	Version    int    `json:"version"`
	Status     string `json:"status"`
	Title      string `json:"title"`
	Filename   string `json:"filename"`
	Comment    string `json:"reviewComment"`
	UploadedAt int64  `json:"uploadedAt"`
}

// RecordFromSubmission flattens a submission for indexing; the full-unit
// sentinel is indexed as an empty part name.
func RecordFromSubmission(sub domain.Submission) SubmissionRecord {
	part := sub.PartName
	if sub.IsFullUnit() {
		part = ""
	}
	return SubmissionRecord{
		ID:         sub.ID,
		ResearchID: sub.ResearchID,
		UnitType:   string(sub.UnitType),
		PartName:   part,
		Version:    sub.Version,
		Status:     string(sub.Status),
		Title:      sub.Title,
		Filename:   sub.Filename,
		Comment:    sub.ReviewComment,
		UploadedAt: sub.UploadedAt.UTC().Truncate(time.Second).Unix(),
	}
}

func resultFromSubmission(sub domain.Submission) Result {
	record := RecordFromSubmission(sub)
	return Result{
		SubmissionID: record.ID,
		ResearchID:   record.ResearchID,
		UnitType:     record.UnitType,
		PartName:     record.PartName,
		Version:      record.Version,
		Status:       record.Status,
		Title:        firstNonBlank(record.Title, record.Filename),
		Snippet:      record.Filename,
	}
}
