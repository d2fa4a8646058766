// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PipelineFile is the on-disk YAML form of a pipeline definition. It is
// validated and converted to the typed DAG at ingest; the database only ever
// sees the JSON form.
type PipelineFile struct {
	Name     string            `yaml:"name"`
	RepoID   string            `yaml:"repo_id"`
	Triggers []TriggerSpecYAML `yaml:"triggers,omitempty"`
	Steps    []StepYAML        `yaml:"steps"`
}

// TriggerSpecYAML is the YAML form of a trigger specification.
type TriggerSpecYAML struct {
	Type     string   `yaml:"type"` // push | card_complete | manual
	Branches []string `yaml:"branches,omitempty"`
	Status   string   `yaml:"status,omitempty"`
}

// StepYAML is the YAML form of one step; edges are plain strings here.
type StepYAML struct {
	StepDefinition `yaml:",inline"`
	OnSuccess      string `yaml:"on_success,omitempty"`
	OnFailure      string `yaml:"on_failure,omitempty"`
}

// ParsePipelineYAML parses and validates a pipeline definition document.
// on_success defaults to "next", on_failure to "stop".
func ParsePipelineYAML(data []byte) (*Pipeline, *DAG, error) {
	var file PipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse pipeline yaml: %w", err)
	}
	if file.Name == "" {
		return nil, nil, fmt.Errorf("pipeline name is required")
	}

	steps := make([]StepDefinition, len(file.Steps))
	for i, s := range file.Steps {
		step := s.StepDefinition

		onSuccess, err := ParseEdgeAction(s.OnSuccess)
		if err != nil {
			return nil, nil, fmt.Errorf("step %q on_success: %w", step.StepID, err)
		}
		step.OnSuccess = onSuccess

		if s.OnFailure == "" {
			step.OnFailure = EdgeAction{Kind: EdgeStop}
		} else {
			onFailure, err := ParseEdgeAction(s.OnFailure)
			if err != nil {
				return nil, nil, fmt.Errorf("step %q on_failure: %w", step.StepID, err)
			}
			step.OnFailure = onFailure
		}

		if err := validateStep(step); err != nil {
			return nil, nil, err
		}
		steps[i] = step
	}

	dag, err := BuildDAG(steps)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid pipeline %q: %w", file.Name, err)
	}

	triggers := make(TriggerSpecs, 0, len(file.Triggers))
	for _, t := range file.Triggers {
		switch TriggerType(t.Type) {
		case TriggerPush, TriggerCardComplete, TriggerManual:
		default:
			return nil, nil, fmt.Errorf("unknown trigger type %q", t.Type)
		}
		triggers = append(triggers, TriggerSpec{
			Type:     TriggerType(t.Type),
			Branches: t.Branches,
			Status:   t.Status,
		})
	}

	pipeline := &Pipeline{
		Name:     file.Name,
		RepoID:   file.RepoID,
		Steps:    steps,
		Triggers: triggers,
	}
	return pipeline, dag, nil
}

func validateStep(step StepDefinition) error {
	switch step.Type {
	case StepTypeScript:
		if step.Command == "" {
			return fmt.Errorf("script step %q requires a command", step.StepID)
		}
	case StepTypeContainer:
		if step.Image == "" {
			return fmt.Errorf("container step %q requires an image", step.StepID)
		}
	case StepTypeAgent:
		// Runner type may stay empty and fall back to the engine default.
	default:
		return fmt.Errorf("step %q has unknown type %q", step.StepID, step.Type)
	}
	if step.TimeoutSeconds < 0 {
		return fmt.Errorf("step %q has negative timeout", step.StepID)
	}
	return nil
}
