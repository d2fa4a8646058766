// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StepType discriminates what a step executes.
type StepType string

const (
	StepTypeScript    StepType = "script"    // Shell command in the base image
	StepTypeContainer StepType = "container" // User-supplied image
	StepTypeAgent     StepType = "agent"     // AI CLI runner (claude-code / gemini)
)

// EdgeKind discriminates what happens after a step finishes.
type EdgeKind string

const (
	EdgeNext    EdgeKind = "next"    // Proceed to DAG successors
	EdgeStop    EdgeKind = "stop"    // Stop scheduling from this branch
	EdgeTrigger EdgeKind = "trigger" // Enqueue a subrun of the target step
	EdgeMerge   EdgeKind = "merge"   // Fast-forward the target branch to workspace HEAD
)

// EdgeAction is a parsed on_success/on_failure edge.
type EdgeAction struct {
	Kind   EdgeKind `json:"kind"`
	Target string   `json:"target,omitempty"` // Step ID for trigger, branch for merge
}

// ParseEdgeAction parses the textual edge form: "next", "stop",
// "trigger:<step_id>", or "merge:<branch>". Empty input defaults to "next"
// for on_success and must be handled by the caller for on_failure.
func ParseEdgeAction(s string) (EdgeAction, error) {
	switch {
	case s == "" || s == string(EdgeNext):
		return EdgeAction{Kind: EdgeNext}, nil
	case s == string(EdgeStop):
		return EdgeAction{Kind: EdgeStop}, nil
	case strings.HasPrefix(s, "trigger:"):
		target := strings.TrimPrefix(s, "trigger:")
		if target == "" {
			return EdgeAction{}, errors.New("trigger edge requires a step id")
		}
		return EdgeAction{Kind: EdgeTrigger, Target: target}, nil
	case strings.HasPrefix(s, "merge:"):
		target := strings.TrimPrefix(s, "merge:")
		if target == "" {
			return EdgeAction{}, errors.New("merge edge requires a branch name")
		}
		return EdgeAction{Kind: EdgeMerge, Target: target}, nil
	}
	return EdgeAction{}, fmt.Errorf("unknown edge action: %q", s)
}

// String renders the edge back to its textual form.
func (e EdgeAction) String() string {
	switch e.Kind {
	case EdgeTrigger, EdgeMerge:
		return string(e.Kind) + ":" + e.Target
	default:
		return string(e.Kind)
	}
}

// MarshalJSON renders the edge as its textual form.
func (e EdgeAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON accepts the textual edge form.
func (e *EdgeAction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEdgeAction(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// TriggerType discriminates what started a pipeline run.
type TriggerType string

const (
	TriggerPush         TriggerType = "push"
	TriggerCardComplete TriggerType = "card_complete"
	TriggerManual       TriggerType = "manual"
)

// TriggerKey builds the deduplication key for a trigger.
func TriggerKey(t TriggerType, repoID, ref string) string {
	return fmt.Sprintf("%s:%s:%s", t, repoID, ref)
}

// StepRequires declares capability requirements a runner must satisfy.
type StepRequires struct {
	Hardware map[string]string `json:"hardware,omitempty" yaml:"hardware,omitempty"`
}

// StepDefinition defines a single step in a pipeline DAG.
// DAG edges are expressed via DependsOn; on_success "next" means "proceed to
// the steps that depend on this one".
type StepDefinition struct {
	StepID            string            `json:"step_id" yaml:"step_id"`
	Name              string            `json:"name" yaml:"name"`
	Type              StepType          `json:"type" yaml:"type"`
	Command           string            `json:"command,omitempty" yaml:"command,omitempty"`             // script + container
	Image             string            `json:"image,omitempty" yaml:"image,omitempty"`                 // container only
	RunnerType        string            `json:"runner_type,omitempty" yaml:"runner_type,omitempty"`     // agent: claude-code | gemini; empty = engine default
	AgentConfig       map[string]string `json:"agent_config,omitempty" yaml:"agent_config,omitempty"`   // agent only
	Environment       map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	WorkingDirectory  string            `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	DependsOn         []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	OnSuccess         EdgeAction        `json:"on_success" yaml:"-"`
	OnFailure         EdgeAction        `json:"on_failure" yaml:"-"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	ContinueInContext bool              `json:"continue_in_context,omitempty" yaml:"continue_in_context,omitempty"`
	RequiredRunnerID  string            `json:"required_runner_id,omitempty" yaml:"required_runner_id,omitempty"`
	Requires          StepRequires      `json:"requires,omitempty" yaml:"requires,omitempty"`
}

// StepDefinitions is a JSON-serializable slice of StepDefinition stored as a
// text column.
type StepDefinitions []StepDefinition

func (sd *StepDefinitions) Scan(value any) error {
	if value == nil {
		*sd = []StepDefinition{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, sd)
	case string:
		return json.Unmarshal([]byte(v), sd)
	default:
		return errors.New("cannot scan StepDefinitions from non-string/[]byte value")
	}
}

func (sd StepDefinitions) Value() (driver.Value, error) {
	if len(sd) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(sd)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// DAG is the validated step graph of a pipeline.
type DAG struct {
	Steps []StepDefinition

	byID       map[string]int   // step_id → index in Steps
	successors map[string][]string
}

// BuildDAG validates the step definitions and materializes adjacency.
// Invariants enforced: non-empty, unique step IDs, every DependsOn target
// exists, every trigger-edge target exists, exactly one entry node, acyclic.
func BuildDAG(steps []StepDefinition) (*DAG, error) {
	if len(steps) == 0 {
		return &DAG{Steps: nil, byID: map[string]int{}, successors: map[string][]string{}}, nil
	}

	d := &DAG{
		Steps:      steps,
		byID:       make(map[string]int, len(steps)),
		successors: make(map[string][]string, len(steps)),
	}

	for i, step := range steps {
		if step.StepID == "" {
			return nil, fmt.Errorf("step %d has no step_id", i)
		}
		if _, dup := d.byID[step.StepID]; dup {
			return nil, fmt.Errorf("duplicate step_id %q", step.StepID)
		}
		d.byID[step.StepID] = i
	}

	entries := 0
	for _, step := range steps {
		if len(step.DependsOn) == 0 {
			entries++
		}
		for _, dep := range step.DependsOn {
			if _, ok := d.byID[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.StepID, dep)
			}
			d.successors[dep] = append(d.successors[dep], step.StepID)
		}
		for _, edge := range []EdgeAction{step.OnSuccess, step.OnFailure} {
			if edge.Kind == EdgeTrigger {
				if _, ok := d.byID[edge.Target]; !ok {
					return nil, fmt.Errorf("step %q trigger edge targets unknown step %q", step.StepID, edge.Target)
				}
			}
		}
	}
	if entries != 1 {
		return nil, fmt.Errorf("pipeline must have exactly one entry step, found %d", entries)
	}

	if err := d.checkAcyclic(); err != nil {
		return nil, err
	}

	return d, nil
}

// checkAcyclic runs a depth-first three-color traversal over DependsOn edges.
func (d *DAG) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("pipeline DAG contains a cycle through step %q", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, succ := range d.successors[id] {
			if err := visit(succ); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, step := range d.Steps {
		if err := visit(step.StepID); err != nil {
			return err
		}
	}
	return nil
}

// Entry returns the single entry step. Panics on an empty DAG; callers check
// Len first.
func (d *DAG) Entry() StepDefinition {
	for _, step := range d.Steps {
		if len(step.DependsOn) == 0 {
			return step
		}
	}
	panic("DAG has no entry step")
}

// Len returns the number of steps.
func (d *DAG) Len() int { return len(d.Steps) }

// Step returns the step with the given ID.
func (d *DAG) Step(stepID string) (StepDefinition, bool) {
	i, ok := d.byID[stepID]
	if !ok {
		return StepDefinition{}, false
	}
	return d.Steps[i], true
}

// Index returns the position of a step in definition order. Step indices are
// stable within a pipeline and used in execution keys.
func (d *DAG) Index(stepID string) (int, bool) {
	i, ok := d.byID[stepID]
	return i, ok
}

// Successors returns the step IDs that depend on the given step.
func (d *DAG) Successors(stepID string) []string {
	return d.successors[stepID]
}

// Predecessors returns the step IDs the given step depends on.
func (d *DAG) Predecessors(stepID string) []string {
	step, ok := d.Step(stepID)
	if !ok {
		return nil
	}
	return step.DependsOn
}
