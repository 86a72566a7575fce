package models

import "fmt"

// RiskLevel is the coarse risk tier of a previewed change
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// IsValid checks if the risk level is known
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ImpactItem counts the objects of one type touched by a change
type ImpactItem struct {
	Type  string   `json:"type"`
	Count int      `json:"count"`
	IDs   []string `json:"ids,omitempty"`
}

// ImpactShape describes what an action would change. It is computed per
// dry-run call and never persisted.
type ImpactShape struct {
	Creates          []ImpactItem `json:"creates"`
	Updates          []ImpactItem `json:"updates"`
	Deletes          []ImpactItem `json:"deletes"`
	SideEffects      []string     `json:"side_effects"`
	Risk             RiskLevel    `json:"risk"`
	Warnings         []string     `json:"warnings"`
	EstimatedCost    *float64     `json:"estimated_cost,omitempty"`
	RequiresApproval *bool        `json:"requires_approval,omitempty"`
}

// NewImpact returns an empty low-risk impact
func NewImpact() *ImpactShape {
	return &ImpactShape{
		Creates:     []ImpactItem{},
		Updates:     []ImpactItem{},
		Deletes:     []ImpactItem{},
		SideEffects: []string{},
		Risk:        RiskLow,
		Warnings:    []string{},
	}
}

// WithCreate records objects that would be created
func (i *ImpactShape) WithCreate(objType string, count int, ids ...string) *ImpactShape {
	i.Creates = append(i.Creates, ImpactItem{Type: objType, Count: count, IDs: ids})
	return i
}

// WithUpdate records objects that would be updated
func (i *ImpactShape) WithUpdate(objType string, count int, ids ...string) *ImpactShape {
	i.Updates = append(i.Updates, ImpactItem{Type: objType, Count: count, IDs: ids})
	return i
}

// WithDelete records objects that would be deleted
func (i *ImpactShape) WithDelete(objType string, count int, ids ...string) *ImpactShape {
	i.Deletes = append(i.Deletes, ImpactItem{Type: objType, Count: count, IDs: ids})
	return i
}

// WithSideEffect records a downstream effect
func (i *ImpactShape) WithSideEffect(effect string) *ImpactShape {
	i.SideEffects = append(i.SideEffects, effect)
	return i
}

// WithRisk sets the risk tier
func (i *ImpactShape) WithRisk(risk RiskLevel) *ImpactShape {
	i.Risk = risk
	return i
}

// WithWarning appends a free-text warning
func (i *ImpactShape) WithWarning(warning string) *ImpactShape {
	i.Warnings = append(i.Warnings, warning)
	return i
}

// Normalize replaces nil slices with empty ones and defaults the risk tier
func (i *ImpactShape) Normalize() {
	if i.Creates == nil {
		i.Creates = []ImpactItem{}
	}
	if i.Updates == nil {
		i.Updates = []ImpactItem{}
	}
	if i.Deletes == nil {
		i.Deletes = []ImpactItem{}
	}
	if i.SideEffects == nil {
		i.SideEffects = []string{}
	}
	if i.Warnings == nil {
		i.Warnings = []string{}
	}
	if i.Risk == "" {
		i.Risk = RiskLow
	}
}

// Validate checks that the impact is well formed
func (i *ImpactShape) Validate() error {
	if !i.Risk.IsValid() {
		return fmt.Errorf("invalid risk level %q", i.Risk)
	}
	for _, group := range [][]ImpactItem{i.Creates, i.Updates, i.Deletes} {
		for _, item := range group {
			if item.Type == "" {
				return fmt.Errorf("impact item type is required")
			}
			if item.Count < 0 {
				return fmt.Errorf("impact item %q has negative count", item.Type)
			}
		}
	}
	return nil
}

// Summary condenses the impact for audit records
func (i *ImpactShape) Summary() *ImpactSummary {
	s := &ImpactSummary{Risk: i.Risk}
	for _, item := range i.Creates {
		s.Creates += item.Count
	}
	for _, item := range i.Updates {
		s.Updates += item.Count
	}
	for _, item := range i.Deletes {
		s.Deletes += item.Count
	}
	s.SideEffects = len(i.SideEffects)
	return s
}

// ImpactSummary holds impact counts without identifiers
type ImpactSummary struct {
	Creates     int       `json:"creates"`
	Updates     int       `json:"updates"`
	Deletes     int       `json:"deletes"`
	SideEffects int       `json:"side_effects"`
	Risk        RiskLevel `json:"risk"`
}
