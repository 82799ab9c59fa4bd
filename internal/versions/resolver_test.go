package versions

import (
	"errors"
	"testing"
	"time"

	"thesis/api/internal/domain"
)

func sub(id string, unit domain.UnitType, part string, version int, uploadedAt time.Time) domain.Submission {
	return domain.Submission{ID: id, ResearchID: "r1", UnitType: unit, PartName: part, Version: version, UploadedAt: uploadedAt, Status: domain.StatusPending}
}

func TestResolvePicksHighestVersionAsCurrent(t *testing.T) {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	history := Resolve([]domain.Submission{
		sub("s1", domain.UnitChapter2, "", 1, base),
		sub("s2", domain.UnitChapter2, "", 2, base.Add(time.Hour)),
	})

	unit := history.Unit(domain.UnitChapter2)
	current, ok := unit.FullUnit()
	if !ok {
		t.Fatal("expected a current full-unit submission")
	}
	if current.ID != "s2" {
		t.Fatalf("expected s2 current, got %s", current.ID)
	}
	if len(unit.Submissions) != 2 || unit.Submissions[0].ID != "s2" || unit.Submissions[1].ID != "s1" {
		t.Fatalf("expected history [s2 s1], got %+v", unit.Submissions)
	}
}

func TestResolveNormalizesPartNames(t *testing.T) {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	history := Resolve([]domain.Submission{
		sub("full", domain.UnitChapter1, "", 1, base),
		sub("blank", domain.UnitChapter1, "   ", 2, base.Add(time.Minute)),
		sub("sentinel", domain.UnitChapter1, domain.FullUnit, 3, base.Add(2*time.Minute)),
		sub("obj", domain.UnitChapter1, "Objectives", 1, base),
		sub("obj-spaced", domain.UnitChapter1, "  Objectives ", 2, base.Add(time.Minute)),
	})

	unit := history.Unit(domain.UnitChapter1)
	if len(unit.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(unit.Parts))
	}
	if unit.Parts[0].Key != domain.FullUnit {
		t.Fatalf("expected full unit first, got %q", unit.Parts[0].Key)
	}
	if unit.Current[domain.FullUnit].ID != "sentinel" {
		t.Fatalf("expected sentinel current, got %s", unit.Current[domain.FullUnit].ID)
	}
	if unit.Current["Objectives"].ID != "obj-spaced" {
		t.Fatalf("expected obj-spaced current, got %s", unit.Current["Objectives"].ID)
	}
}

func TestResolveBreaksVersionTiesByUploadTime(t *testing.T) {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	history := Resolve([]domain.Submission{
		sub("late", domain.UnitChapter3, "", 4, base.Add(time.Hour)),
		sub("early", domain.UnitChapter3, "", 4, base),
	})
	if got := history.Unit(domain.UnitChapter3).Current[domain.FullUnit].ID; got != "late" {
		t.Fatalf("expected latest upload to win tie, got %s", got)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	items := []domain.Submission{
		sub("a", domain.UnitChapter1, "", 1, base),
		sub("b", domain.UnitChapter1, "", 2, base),
		sub("c", domain.UnitChapter1, "Scope", 1, base),
		sub("d", domain.UnitComplianceForm, "Ethics", 1, base),
	}
	first := Resolve(items)
	for i := 0; i < 5; i++ {
		again := Resolve(items)
		for unitType, unit := range first.Units {
			for key, current := range unit.Current {
				if again.Unit(unitType).Current[key].ID != current.ID {
					t.Fatalf("run %d: current for %s/%s changed", i, unitType, key)
				}
			}
		}
	}
}

func TestResolveEmptyUnit(t *testing.T) {
	unit := Resolve(nil).Unit(domain.UnitChapter2)
	if unit.HasSubmissions() {
		t.Fatal("expected no submissions")
	}
	if _, ok := unit.FullUnit(); ok {
		t.Fatal("expected no current submission")
	}
}

func TestResolveSeqPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	seq := func(yield func(domain.Submission, error) bool) {
		if !yield(sub("a", domain.UnitChapter1, "", 1, time.Now()), nil) {
			return
		}
		yield(domain.Submission{}, boom)
	}
	if _, err := ResolveSeq(seq); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestFilterKeepsCurrentFromFullHistory(t *testing.T) {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	v1 := sub("v1", domain.UnitChapter2, "", 1, base)
	v1.Status = domain.StatusApproved
	v2 := sub("v2", domain.UnitChapter2, "", 2, base.Add(time.Hour))
	obj := sub("obj", domain.UnitChapter2, "Scope", 1, base)

	filtered := Resolve([]domain.Submission{v1, v2, obj}).Filter(func(s domain.Submission) bool {
		return s.Status == domain.StatusApproved
	})

	unit := filtered.Unit(domain.UnitChapter2)
	if len(unit.Parts) != 1 {
		t.Fatalf("expected only the part with a matching version, got %d parts", len(unit.Parts))
	}
	current, ok := unit.FullUnit()
	if !ok || current.ID != "v2" {
		t.Fatalf("expected v2 to stay current, got %+v", current)
	}
	if len(unit.Submissions) != 1 || unit.Submissions[0].ID != "v1" {
		t.Fatalf("expected history [v1], got %+v", unit.Submissions)
	}
	if _, ok := unit.Current["Scope"]; ok {
		t.Fatal("part without matching versions should be dropped")
	}
}

func TestFilterDropsEmptyUnits(t *testing.T) {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	filtered := Resolve([]domain.Submission{sub("a", domain.UnitChapter1, "", 1, base)}).Filter(func(domain.Submission) bool { return false })
	if _, ok := filtered.Units[domain.UnitChapter1]; ok {
		t.Fatal("expected chapter1 to be dropped")
	}
	if filtered.Unit(domain.UnitChapter1).HasSubmissions() {
		t.Fatal("expected empty unit")
	}
}
