// Package taskfile decodes and validates the task descriptor YAML format
// (spec §6): the benchmark/import format used to seed a task from a file
// rather than a create_task action. Grounded on the teacher's
// internal/orchestration/workflow.parseFrontmatter / internal/registry's
// yaml_loader.go, both gopkg.in/yaml.v3 decode-then-validate shape, reused
// here for a flat document instead of markdown frontmatter.
package taskfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CriterionKind is the closed set of acceptance criterion kinds (spec §6);
// an unknown kind fails validation rather than being silently accepted.
type CriterionKind string

const (
	CriterionFileExists     CriterionKind = "file_exists"
	CriterionTestsPass      CriterionKind = "tests_pass"
	CriterionGrepMatch      CriterionKind = "grep_match"
	CriterionCommandSucceed CriterionKind = "command_succeeds"
)

func validCriterionKind(k CriterionKind) bool {
	switch k {
	case CriterionFileExists, CriterionTestsPass, CriterionGrepMatch, CriterionCommandSucceed:
		return true
	default:
		return false
	}
}

// AcceptanceCriterion is one check a task must satisfy before it can leave
// in_review. Fields beyond Kind are interpreted according to Kind:
// file_exists uses Path; tests_pass uses Command; grep_match uses Path and
// Pattern; command_succeeds uses Command.
type AcceptanceCriterion struct {
	Kind    CriterionKind `yaml:"kind"`
	Path    string        `yaml:"path,omitempty"`
	Pattern string        `yaml:"pattern,omitempty"`
	Command string        `yaml:"command,omitempty"`
}

// RepoSetupStep is one shell step run to prepare a repo's worktree before
// an agent's first turn (e.g. installing dependencies).
type RepoSetupStep struct {
	Repo    string `yaml:"repo"`
	Command string `yaml:"command"`
}

// Descriptor is the decoded task descriptor document.
type Descriptor struct {
	Title               string                `yaml:"title"`
	Description         string                `yaml:"description"`
	RepoSetup           []RepoSetupStep       `yaml:"repo_setup"`
	AcceptanceCriteria  []AcceptanceCriterion `yaml:"acceptance_criteria"`
	TimeoutSeconds      int                   `yaml:"timeout_seconds"`
	Tags                []string              `yaml:"tags"`
}

// ErrMissingTitle is returned when a descriptor omits the required title.
var errMissingTitle = fmt.Errorf("task descriptor missing required field: title")

// Parse decodes and validates a task descriptor document.
func Parse(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parsing task descriptor YAML: %w", err)
	}
	if err := validate(d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Load reads and parses a task descriptor from a file on disk.
func Load(path string) (Descriptor, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied via CLI flag, not request input
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading task descriptor %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func validate(d Descriptor) error {
	if d.Title == "" {
		return errMissingTitle
	}
	for i, c := range d.AcceptanceCriteria {
		if !validCriterionKind(c.Kind) {
			return fmt.Errorf("acceptance_criteria[%d]: unknown kind %q", i, c.Kind)
		}
		switch c.Kind {
		case CriterionFileExists:
			if c.Path == "" {
				return fmt.Errorf("acceptance_criteria[%d]: %s requires path", i, c.Kind)
			}
		case CriterionGrepMatch:
			if c.Path == "" || c.Pattern == "" {
				return fmt.Errorf("acceptance_criteria[%d]: %s requires path and pattern", i, c.Kind)
			}
		case CriterionTestsPass, CriterionCommandSucceed:
			if c.Command == "" {
				return fmt.Errorf("acceptance_criteria[%d]: %s requires command", i, c.Kind)
			}
		}
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative, got %d", d.TimeoutSeconds)
	}
	return nil
}
