// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "lazyaf-ws-abc12345", false},
		{"with dots", "step.build.1", false},
		{"empty", "", true},
		{"leading dash", "-bad", true},
		{"spaces", "bad name", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateContainerLabels(t *testing.T) {
	tests := []struct {
		name    string
		labels  map[string]string
		wantErr bool
	}{
		{
			name: "engine labels",
			labels: map[string]string{
				"lazyaf.managed":           "true",
				"lazyaf.run_id":            "run-123",
				"lazyaf.step_execution_id": "exec-456",
				"lazyaf.workspace":         "ws-abc",
			},
			wantErr: false,
		},
		{
			name:    "uppercase key",
			labels:  map[string]string{"LazyAF.Managed": "true"},
			wantErr: true,
		},
		{
			name:    "null byte in value",
			labels:  map[string]string{"lazyaf.role": "step\x00"},
			wantErr: true,
		},
		{
			name:    "long key segment",
			labels:  map[string]string{strings.Repeat("a", 64) + ".x": "v"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContainerLabels(tt.labels)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEnvironmentVariables(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name:    "normal vars",
			env:     map[string]string{"NODE_ENV": "production", "build_target": "dist"},
			wantErr: false,
		},
		{
			name:    "engine prefix reserved",
			env:     map[string]string{"LAZYAF_STEP_ID": "sneaky"},
			wantErr: true,
		},
		{
			name:    "PATH reserved",
			env:     map[string]string{"PATH": "/tmp"},
			wantErr: true,
		},
		{
			name:    "bad name",
			env:     map[string]string{"1BAD": "x"},
			wantErr: true,
		},
		{
			name:    "control characters",
			env:     map[string]string{"OK_NAME": "a\x01b"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvironmentVariables(tt.env)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}
	msg := errs.Error()
	assert.Contains(t, msg, "multiple validation errors")
	assert.Contains(t, msg, "a")
	assert.Contains(t, msg, "b")

	one := ValidationErrors{{Field: "a", Message: "bad"}}
	assert.Equal(t, "validation error for a: bad", one.Error())
}
