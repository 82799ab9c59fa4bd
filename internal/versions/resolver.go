// Package versions groups flat submission lists into per-unit history and
// picks the current version of every part.
package versions

import (
	"iter"
	"sort"

	"thesis/api/internal/domain"
)

// Part is one independently versioned slot inside a unit type.
type Part struct {
	Key     string
	Current domain.Submission
	History []domain.Submission
}

// Unit is the resolved view of one unit type.
type Unit struct {
	UnitType domain.UnitType
	// Submissions is every version of every part: full unit first, then parts
	// by key, each newest first.
	Submissions []domain.Submission
	Parts       []Part
	Current     map[string]domain.Submission
}

// HasSubmissions reports whether anything was uploaded for the unit type.
func (u Unit) HasSubmissions() bool {
	return len(u.Submissions) > 0
}

// FullUnit returns the current full-unit submission, if any.
func (u Unit) FullUnit() (domain.Submission, bool) {
	sub, ok := u.Current[domain.FullUnit]
	return sub, ok
}

// History is the resolved view of every unit type of one research project.
type History struct {
	Units map[domain.UnitType]Unit
}

// Unit returns the resolved unit; a unit type with no uploads yields an empty Unit.
func (h History) Unit(unitType domain.UnitType) Unit {
	if unit, ok := h.Units[unitType]; ok {
		return unit
	}
	return Unit{UnitType: unitType, Submissions: []domain.Submission{}, Parts: []Part{}, Current: map[string]domain.Submission{}}
}

// Resolve partitions submissions by (unit type, normalized part name) and orders
// every partition by version, then upload time, descending.
func Resolve(submissions []domain.Submission) History {
	partitions := make(map[domain.UnitType]map[string][]domain.Submission)
	for _, sub := range submissions {
		partKey := domain.NormalizePartString(sub.PartName)
		byPart, ok := partitions[sub.UnitType]
		if !ok {
			byPart = make(map[string][]domain.Submission)
			partitions[sub.UnitType] = byPart
		}
		byPart[partKey] = append(byPart[partKey], sub)
	}

	history := History{Units: make(map[domain.UnitType]Unit, len(partitions))}
	for unitType, byPart := range partitions {
		unit := Unit{
			UnitType:    unitType,
			Submissions: make([]domain.Submission, 0),
			Parts:       make([]Part, 0, len(byPart)),
			Current:     make(map[string]domain.Submission, len(byPart)),
		}
		for _, partKey := range sortedPartKeys(byPart) {
			items := byPart[partKey]
			sort.SliceStable(items, func(i, j int) bool { return newer(items[i], items[j]) })
			unit.Parts = append(unit.Parts, Part{Key: partKey, Current: items[0], History: items})
			unit.Current[partKey] = items[0]
			unit.Submissions = append(unit.Submissions, items...)
		}
		history.Units[unitType] = unit
	}
	return history
}

// Filter narrows the history lists to submissions that satisfy match. Each
// surviving part keeps the current version resolved from its full history,
// even when that version does not match; parts with no matching version are
// dropped, as are unit types left empty.
func (h History) Filter(match func(domain.Submission) bool) History {
	filtered := History{Units: make(map[domain.UnitType]Unit, len(h.Units))}
	for unitType, unit := range h.Units {
		narrowed := Unit{
			UnitType:    unitType,
			Submissions: make([]domain.Submission, 0),
			Parts:       make([]Part, 0, len(unit.Parts)),
			Current:     make(map[string]domain.Submission, len(unit.Parts)),
		}
		for _, part := range unit.Parts {
			items := make([]domain.Submission, 0, len(part.History))
			for _, sub := range part.History {
				if match(sub) {
					items = append(items, sub)
				}
			}
			if len(items) == 0 {
				continue
			}
			narrowed.Parts = append(narrowed.Parts, Part{Key: part.Key, Current: part.Current, History: items})
			narrowed.Current[part.Key] = part.Current
			narrowed.Submissions = append(narrowed.Submissions, items...)
		}
		if len(narrowed.Parts) > 0 {
			filtered.Units[unitType] = narrowed
		}
	}
	return filtered
}

// ResolveSeq drains seq and resolves the result.
func ResolveSeq(seq iter.Seq2[domain.Submission, error]) (History, error) {
	items := make([]domain.Submission, 0)
	for sub, err := range seq {
		if err != nil {
			return History{}, err
		}
		items = append(items, sub)
	}
	return Resolve(items), nil
}

func newer(a, b domain.Submission) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	if !a.UploadedAt.Equal(b.UploadedAt) {
		return a.UploadedAt.After(b.UploadedAt)
	}
	return a.ID > b.ID
}

func sortedPartKeys(byPart map[string][]domain.Submission) []string {
	keys := make([]string, 0, len(byPart))
	for key := range byPart {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == domain.FullUnit || keys[j] == domain.FullUnit {
			return keys[i] == domain.FullUnit && keys[j] != domain.FullUnit
		}
		return keys[i] < keys[j]
	})
	return keys
}
