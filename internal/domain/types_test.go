package domain

import (
	"errors"
	"testing"
)

func TestParseUnitType(t *testing.T) {
	cases := map[string]UnitType{
		"chapter1":        UnitChapter1,
		" Chapter2 ":      UnitChapter2,
		"CHAPTER3":        UnitChapter3,
		"complianceForm":  UnitComplianceForm,
		"compliance-form": UnitComplianceForm,
	}
	for input, want := range cases {
		got, err := ParseUnitType(input)
		if err != nil || got != want {
			t.Fatalf("ParseUnitType(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := ParseUnitType("chapter4"); !errors.Is(err, ErrInvalidUnitType) {
		t.Fatalf("expected ErrInvalidUnitType, got %v", err)
	}
}

func TestParseDecisionAcceptsAliases(t *testing.T) {
	cases := map[string]Decision{
		"approve":          DecisionApprove,
		"Approved":         DecisionApprove,
		"reject":           DecisionReject,
		"requestRevision":  DecisionRequestRevision,
		"request-revision": DecisionRequestRevision,
	}
	for input, want := range cases {
		got, err := ParseDecision(input)
		if err != nil || got != want {
			t.Fatalf("ParseDecision(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := ParseDecision("maybe"); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision, got %v", err)
	}
}

func TestParseStatusAndBulkAction(t *testing.T) {
	if status, err := ParseStatus(" Revision "); err != nil || status != StatusRevision {
		t.Fatalf("unexpected status %q, %v", status, err)
	}
	if _, err := ParseStatus("archived"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if action, err := ParseBulkAction("permanent_delete"); err != nil || action != ActionPermanentDelete {
		t.Fatalf("unexpected action %q, %v", action, err)
	}
	if _, err := ParseBulkAction("explode"); !errors.Is(err, ErrInvalidBulkAction) {
		t.Fatalf("expected ErrInvalidBulkAction, got %v", err)
	}
	if _, err := ParseEntityKind("document"); !errors.Is(err, ErrInvalidEntityKind) {
		t.Fatalf("expected ErrInvalidEntityKind, got %v", err)
	}
}

func TestNormalizePartName(t *testing.T) {
	blank := "   "
	named := "  Statement   of\tthe Problem "
	cases := []struct {
		name  string
		input *string
		want  string
	}{
		{name: "nil", input: nil, want: FullUnit},
		{name: "whitespace", input: &blank, want: FullUnit},
		{name: "named", input: &named, want: "Statement of the Problem"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizePartName(tc.input); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUnitKeyCollapsesFullUnitSpellings(t *testing.T) {
	a := UnitKey{ResearchID: "res_1", UnitType: UnitChapter1, PartName: ""}
	b := UnitKey{ResearchID: "res_1", UnitType: UnitChapter1, PartName: "  "}
	if a.String() != b.String() {
		t.Fatalf("expected equal keys, got %q and %q", a.String(), b.String())
	}
	if !(Submission{PartName: "\t"}).IsFullUnit() {
		t.Fatal("whitespace part name should be the full unit")
	}
	if err := ValidatePartName("__full_unit__"); !errors.Is(err, ErrReservedPartName) {
		t.Fatalf("expected reserved name error, got %v", err)
	}
	if err := ValidatePartName("Objectives"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResearchIsMember(t *testing.T) {
	research := Research{StudentID: "stu-1", AdviserID: "adv-1", SharedWith: []string{"panel-1"}}
	for _, user := range []string{"stu-1", "adv-1", "panel-1"} {
		if !research.IsMember(user) {
			t.Fatalf("%s should be a member", user)
		}
	}
	for _, user := range []string{"", "panel-2"} {
		if research.IsMember(user) {
			t.Fatalf("%q should not be a member", user)
		}
	}
	if (Research{}).IsMember("") {
		t.Fatal("blank user must not match a blank adviser")
	}
}
