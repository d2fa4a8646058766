// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// scanJSON is the shared Scan implementation for the JSON column wrappers.
func scanJSON(value any, dest any) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return errors.New("cannot scan JSON column from non-string/[]byte value")
	}
}

// StringSlice is a JSON-encoded []string column.
type StringSlice []string

func (s *StringSlice) Scan(value any) error {
	*s = StringSlice{}
	return scanJSON(value, s)
}

func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// StringMap is a JSON-encoded map[string]string column (runner labels,
// trigger context).
type StringMap map[string]string

func (m *StringMap) Scan(value any) error {
	*m = StringMap{}
	return scanJSON(value, m)
}

func (m StringMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// IntSlice is a JSON-encoded []int column (debug breakpoints).
type IntSlice []int

func (s *IntSlice) Scan(value any) error {
	*s = IntSlice{}
	return scanJSON(value, s)
}

func (s IntSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether v is in the slice.
func (s IntSlice) Contains(v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// TriggerSpec declares one way a pipeline can be started.
type TriggerSpec struct {
	Type     TriggerType `json:"type"`
	Branches []string    `json:"branches,omitempty"`
	Status   string      `json:"status,omitempty"`
}

// TriggerSpecs is a JSON-encoded []TriggerSpec column.
type TriggerSpecs []TriggerSpec

func (t *TriggerSpecs) Scan(value any) error {
	*t = TriggerSpecs{}
	return scanJSON(value, t)
}

func (t TriggerSpecs) Value() (driver.Value, error) {
	if len(t) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
