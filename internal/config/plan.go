package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"thesis/api/internal/domain"
)

// Stage is one entry of the milestone plan every research project is seeded with.
type Stage struct {
	Key           string `yaml:"key"`
	Title         string `yaml:"title"`
	Description   string `yaml:"description"`
	Unit          string `yaml:"unit"`
	DueOffsetDays *int   `yaml:"dueOffsetDays"`
}

type Plan struct {
	Stages []Stage `yaml:"stages"`
}

// UnitType returns the unit whose approval satisfies the stage, if any.
func (s Stage) UnitType() (domain.UnitType, bool) {
	if strings.TrimSpace(s.Unit) == "" {
		return "", false
	}
	unit, err := domain.ParseUnitType(s.Unit)
	if err != nil {
		return "", false
	}
	return unit, true
}

func DefaultPlan() Plan {
	return Plan{Stages: []Stage{
		{Key: "chapter1", Title: "Chapter 1: Introduction", Description: "Background, objectives and scope approved by the adviser.", Unit: string(domain.UnitChapter1)},
		{Key: "chapter2", Title: "Chapter 2: Review of Related Literature", Description: "Literature review approved by the adviser.", Unit: string(domain.UnitChapter2)},
		{Key: "chapter3", Title: "Chapter 3: Methodology", Description: "Methodology approved by the adviser.", Unit: string(domain.UnitChapter3)},
		{Key: "compliance-form", Title: "Compliance Forms", Description: "Ethics and compliance forms approved.", Unit: string(domain.UnitComplianceForm)},
		{Key: "proposal-defense", Title: "Proposal Defense", Description: "Proposal defended before the panel."},
		{Key: "final-defense", Title: "Final Defense", Description: "Final manuscript defended before the panel."},
	}}
}

// LoadPlan reads a YAML milestone plan. An empty path yields DefaultPlan.
func LoadPlan(path string) (Plan, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPlan(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read milestone plan: %w", err)
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("unmarshal milestone plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (p Plan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("milestone plan has no stages")
	}
	seen := make(map[string]struct{}, len(p.Stages))
	for i, stage := range p.Stages {
		key := strings.TrimSpace(stage.Key)
		if key == "" {
			return fmt.Errorf("milestone plan stage %d: key is required", i)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("milestone plan stage %q: duplicate key", key)
		}
		seen[key] = struct{}{}
		if strings.TrimSpace(stage.Unit) != "" {
			if _, err := domain.ParseUnitType(stage.Unit); err != nil {
				return fmt.Errorf("milestone plan stage %q: %w", key, err)
			}
		}
		if stage.DueOffsetDays != nil && *stage.DueOffsetDays < 0 {
			return fmt.Errorf("milestone plan stage %q: dueOffsetDays must not be negative", key)
		}
	}
	return nil
}
