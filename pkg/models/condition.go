package models

import (
	"database/sql/driver"
	"encoding/json"
)

// Condition logic connectors.
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// Condition is a single field/operator/value comparison.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// ConditionGroup combines conditions under one logic connector.
type ConditionGroup struct {
	Logic      string      `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// ConditionSet is the normalized condition tree: groups combined by Logic.
// Older workflow definitions stored a flat []Condition; UnmarshalJSON accepts
// the flat array, a single group, and the grouped {logic, groups} shape and
// normalizes all of them, so the evaluator only sees this one representation.
type ConditionSet struct {
	Logic  string           `json:"logic"`
	Groups []ConditionGroup `json:"groups"`
}

func (cs ConditionSet) IsEmpty() bool {
	for _, g := range cs.Groups {
		if len(g.Conditions) > 0 {
			return false
		}
	}
	return true
}

func (cs *ConditionSet) UnmarshalJSON(b []byte) error {
	type grouped ConditionSet
	var g grouped
	if err := json.Unmarshal(b, &g); err == nil && g.Groups != nil {
		if g.Logic == "" {
			g.Logic = LogicAnd
		}
		for i := range g.Groups {
			if g.Groups[i].Logic == "" {
				g.Groups[i].Logic = LogicAnd
			}
		}
		*cs = ConditionSet(g)
		return nil
	}

	// Legacy flat array: implicit AND group.
	var flat []Condition
	if err := json.Unmarshal(b, &flat); err == nil {
		*cs = ConditionSet{Logic: LogicAnd}
		if len(flat) > 0 {
			cs.Groups = []ConditionGroup{{Logic: LogicAnd, Conditions: flat}}
		}
		return nil
	}

	// Single group object.
	var one ConditionGroup
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	if one.Logic == "" {
		one.Logic = LogicAnd
	}
	*cs = ConditionSet{Logic: LogicAnd, Groups: []ConditionGroup{one}}
	return nil
}

func (cs ConditionSet) Value() (driver.Value, error) {
	if cs.Logic == "" {
		cs.Logic = LogicAnd
	}
	if cs.Groups == nil {
		cs.Groups = []ConditionGroup{}
	}
	return json.Marshal(struct {
		Logic  string           `json:"logic"`
		Groups []ConditionGroup `json:"groups"`
	}{cs.Logic, cs.Groups})
}

func (cs *ConditionSet) Scan(src any) error {
	return scanJSON(src, cs)
}
