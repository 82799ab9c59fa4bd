// Package progress derives milestone statuses, completion percentage and
// deadline alerts from milestones plus resolved submission history. Nothing
// here mutates submissions.
package progress

import (
	"fmt"
	"sort"
	"time"

	"thesis/api/internal/domain"
	"thesis/api/internal/versions"
)

const (
	DefaultHorizonDays = 7
	urgentWithinDays   = 2
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

type Deadline struct {
	MilestoneID  string    `json:"milestoneId"`
	StageKey     string    `json:"stageKey"`
	Title        string    `json:"title"`
	DueDate      time.Time `json:"dueDate"`
	DaysUntilDue int       `json:"daysUntilDue"`
	IsOverdue    bool      `json:"isOverdue"`
}

type Notification struct {
	MilestoneID string   `json:"milestoneId"`
	StageKey    string   `json:"stageKey"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
}

// Snapshot is the read model returned by getProgress.
type Snapshot struct {
	ResearchID        string             `json:"researchId"`
	Percentage        int                `json:"percentage"`
	CompletedCount    int                `json:"completedCount"`
	TotalCount        int                `json:"totalCount"`
	Milestones        []domain.Milestone `json:"milestones"`
	UpcomingDeadlines []Deadline         `json:"upcomingDeadlines"`
	Notifications     []Notification     `json:"notifications"`
	ComputedAt        time.Time          `json:"computedAt"`
}

// Input is everything one computation reads.
type Input struct {
	ResearchID string
	Location   *time.Location
	Milestones []domain.Milestone
	History    versions.History
}

type Aggregator struct {
	horizonDays int
	now         func() time.Time
}

func New(horizonDays int) *Aggregator {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	return &Aggregator{horizonDays: horizonDays, now: time.Now}
}

// WithClock swaps the time source.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

func (a *Aggregator) HorizonDays() int {
	return a.horizonDays
}

func (a *Aggregator) Compute(in Input) Snapshot {
	now := a.now()
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	milestones := make([]domain.Milestone, len(in.Milestones))
	completed := 0
	for i, milestone := range in.Milestones {
		milestones[i] = Derive(milestone, in.History, now)
		if milestones[i].Status == domain.MilestoneCompleted {
			completed++
		}
	}
	sort.SliceStable(milestones, func(i, j int) bool { return milestones[i].SortOrder < milestones[j].SortOrder })

	deadlines := a.upcoming(milestones, now, loc)
	notifications := make([]Notification, 0, len(deadlines))
	for _, deadline := range deadlines {
		notifications = append(notifications, notify(deadline))
	}

	return Snapshot{
		ResearchID:        in.ResearchID,
		Percentage:        Percentage(completed, len(milestones)),
		CompletedCount:    completed,
		TotalCount:        len(milestones),
		Milestones:        milestones,
		UpcomingDeadlines: deadlines,
		Notifications:     notifications,
		ComputedAt:        now,
	}
}

// Percentage is floor(100*completed/total), 0 for an empty plan, clamped to [0, 100].
func Percentage(completed, total int) int {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return completed * 100 / total
}

// Derive refreshes one milestone. Stages tied to a unit type follow the unit's
// current submissions; other stages keep the status recorded by stage events.
func Derive(milestone domain.Milestone, history versions.History, now time.Time) domain.Milestone {
	if milestone.Unit == "" {
		return deriveFromEvents(milestone, now)
	}

	unit := history.Unit(milestone.Unit)
	if approvedAt, ok := satisfiedAt(unit); ok {
		if approvedAt.After(now) {
			approvedAt = now
		}
		milestone.Status = domain.MilestoneCompleted
		milestone.CompletedAt = &approvedAt
		return milestone
	}

	milestone.CompletedAt = nil
	if unit.HasSubmissions() {
		milestone.Status = domain.MilestoneInProgress
	} else {
		milestone.Status = domain.MilestoneNotStarted
	}
	return milestone
}

func deriveFromEvents(milestone domain.Milestone, now time.Time) domain.Milestone {
	switch milestone.Status {
	case domain.MilestoneCompleted:
		if milestone.CompletedAt == nil {
			milestone.Status = domain.MilestoneInProgress
			return milestone
		}
		if milestone.CompletedAt.After(now) {
			clamped := now
			milestone.CompletedAt = &clamped
		}
	case domain.MilestoneInProgress:
		milestone.CompletedAt = nil
	default:
		milestone.Status = domain.MilestoneNotStarted
		milestone.CompletedAt = nil
	}
	return milestone
}

// satisfiedAt reports when the unit became approved: the current full-unit
// submission when one exists, otherwise every current part.
func satisfiedAt(unit versions.Unit) (time.Time, bool) {
	if full, ok := unit.FullUnit(); ok {
		if full.Status != domain.StatusApproved {
			return time.Time{}, false
		}
		return reviewedAt(full), true
	}
	if len(unit.Current) == 0 {
		return time.Time{}, false
	}
	var latest time.Time
	for _, current := range unit.Current {
		if current.Status != domain.StatusApproved {
			return time.Time{}, false
		}
		if at := reviewedAt(current); at.After(latest) {
			latest = at
		}
	}
	return latest, true
}

func reviewedAt(sub domain.Submission) time.Time {
	if sub.ReviewedAt != nil {
		return *sub.ReviewedAt
	}
	return sub.UploadedAt
}

func (a *Aggregator) upcoming(milestones []domain.Milestone, now time.Time, loc *time.Location) []Deadline {
	today := LocalDate(now, loc)
	deadlines := make([]Deadline, 0)
	for _, milestone := range milestones {
		if milestone.Status == domain.MilestoneCompleted || milestone.DueDate == nil {
			continue
		}
		days := DaysBetween(today, CivilDate(*milestone.DueDate))
		if days > a.horizonDays {
			continue
		}
		deadlines = append(deadlines, Deadline{
			MilestoneID:  milestone.ID,
			StageKey:     milestone.StageKey,
			Title:        milestone.Title,
			DueDate:      CivilDate(*milestone.DueDate),
			DaysUntilDue: days,
			IsOverdue:    days < 0,
		})
	}
	sort.SliceStable(deadlines, func(i, j int) bool { return deadlines[i].DaysUntilDue < deadlines[j].DaysUntilDue })
	return deadlines
}

func notify(deadline Deadline) Notification {
	severity := SeverityMedium
	if deadline.IsOverdue || deadline.DaysUntilDue <= urgentWithinDays {
		severity = SeverityHigh
	}
	return Notification{
		MilestoneID: deadline.MilestoneID,
		StageKey:    deadline.StageKey,
		Severity:    severity,
		Message:     deadlineMessage(deadline),
	}
}

func deadlineMessage(deadline Deadline) string {
	switch {
	case deadline.DaysUntilDue < -1:
		return fmt.Sprintf("%s is overdue by %d days", deadline.Title, -deadline.DaysUntilDue)
	case deadline.DaysUntilDue == -1:
		return fmt.Sprintf("%s is overdue by 1 day", deadline.Title)
	case deadline.DaysUntilDue == 0:
		return fmt.Sprintf("%s is due today", deadline.Title)
	case deadline.DaysUntilDue == 1:
		return fmt.Sprintf("%s is due tomorrow", deadline.Title)
	default:
		return fmt.Sprintf("%s is due in %d days", deadline.Title, deadline.DaysUntilDue)
	}
}
