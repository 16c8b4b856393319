// Package taskdesc parses and validates task descriptor YAML, the
// import and benchmark format for seeding tasks.
package taskdesc

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDescriptor wraps all validation failures.
var ErrInvalidDescriptor = errors.New("invalid task descriptor")

// CriterionKind is the closed set of acceptance criterion kinds.
// Unknown kinds fail validation.
type CriterionKind string

const (
	CriterionFileExists      CriterionKind = "file_exists"
	CriterionTestsPass       CriterionKind = "tests_pass"
	CriterionGrepMatch       CriterionKind = "grep_match"
	CriterionCommandSucceeds CriterionKind = "command_succeeds"
)

// Criterion is one acceptance check. Path, Pattern, and Command are
// interpreted per kind.
type Criterion struct {
	Kind    CriterionKind `yaml:"kind"`
	Path    string        `yaml:"path,omitempty"`
	Pattern string        `yaml:"pattern,omitempty"`
	Command string        `yaml:"command,omitempty"`
}

// RepoSetup declares a repo the task works in and how to prepare it.
type RepoSetup struct {
	Name     string   `yaml:"name"`
	Setup    []string `yaml:"setup,omitempty"`
	TestCmd  string   `yaml:"test_cmd,omitempty"`
	MainOnly bool     `yaml:"main_only,omitempty"`
}

// Descriptor is a complete task description.
type Descriptor struct {
	Title              string      `yaml:"title"`
	Description        string      `yaml:"description,omitempty"`
	RepoSetup          []RepoSetup `yaml:"repo_setup,omitempty"`
	AcceptanceCriteria []Criterion `yaml:"acceptance_criteria,omitempty"`
	TimeoutSeconds     int         `yaml:"timeout_seconds,omitempty"`
	Tags               []string    `yaml:"tags,omitempty"`
}

// Parse decodes and validates a descriptor.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseFile reads and parses a descriptor file.
func ParseFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Validate checks required fields and the closed criterion kind set.
func (d *Descriptor) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDescriptor)
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must be non-negative", ErrInvalidDescriptor)
	}
	seen := make(map[string]bool, len(d.RepoSetup))
	for _, rs := range d.RepoSetup {
		if rs.Name == "" {
			return fmt.Errorf("%w: repo_setup entry missing name", ErrInvalidDescriptor)
		}
		if seen[rs.Name] {
			return fmt.Errorf("%w: duplicate repo %q", ErrInvalidDescriptor, rs.Name)
		}
		seen[rs.Name] = true
	}
	for i, c := range d.AcceptanceCriteria {
		if err := c.validate(); err != nil {
			return fmt.Errorf("%w: acceptance_criteria[%d]: %v", ErrInvalidDescriptor, i, err)
		}
	}
	return nil
}

func (c *Criterion) validate() error {
	switch c.Kind {
	case CriterionFileExists:
		if c.Path == "" {
			return errors.New("file_exists requires path")
		}
	case CriterionGrepMatch:
		if c.Path == "" || c.Pattern == "" {
			return errors.New("grep_match requires path and pattern")
		}
	case CriterionCommandSucceeds:
		if c.Command == "" {
			return errors.New("command_succeeds requires command")
		}
	case CriterionTestsPass:
		// Uses the repo's configured test command.
	default:
		return fmt.Errorf("unknown criterion kind %q", c.Kind)
	}
	return nil
}

// Repos lists the repo names the descriptor touches.
func (d *Descriptor) Repos() []string {
	names := make([]string, 0, len(d.RepoSetup))
	for _, rs := range d.RepoSetup {
		names = append(names, rs.Name)
	}
	return names
}
