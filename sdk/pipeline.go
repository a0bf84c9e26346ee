package sdk

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultImage is used for steps that do not name their own execution image.
const DefaultImage = "atlassian/default-image:3"

// Step is a named, ordered unit of shell commands executed inside one
// isolated environment.
type Step struct {
	Name   string
	Image  string
	Script []string
}

// PipelineDefinition is an ordered sequence of steps parsed from a pipeline
// configuration document. Step order is fixed at parse time.
type PipelineDefinition struct {
	Image string
	Steps []Step
}

// Validate checks the structural invariants of a definition. It is called
// before any execution environment is provisioned.
func (d *PipelineDefinition) Validate() error {
	if d == nil || len(d.Steps) == 0 {
		return fmt.Errorf("no default pipeline steps defined")
	}
	for _, s := range d.Steps {
		if len(s.Script) == 0 {
			return fmt.Errorf("step %q has no commands", s.Name)
		}
	}
	return nil
}

// StepImage returns the execution image for a step, falling back to the
// definition default and then the global default.
func (d *PipelineDefinition) StepImage(s Step) string {
	if s.Image != "" {
		return s.Image
	}
	if d.Image != "" {
		return d.Image
	}
	return DefaultImage
}

type definitionDoc struct {
	Image     string `yaml:"image"`
	Pipelines struct {
		Default []struct {
			Step struct {
				Name   string   `yaml:"name"`
				Image  string   `yaml:"image"`
				Script []string `yaml:"script"`
			} `yaml:"step"`
		} `yaml:"default"`
	} `yaml:"pipelines"`
}

// ParseDefinition parses a pipeline configuration document into an ordered
// definition. The document shape follows bitbucket-pipelines.yml: a top
// level image and a pipelines.default list of steps.
func ParseDefinition(config string) (*PipelineDefinition, error) {
	var doc definitionDoc
	if err := yaml.Unmarshal([]byte(config), &doc); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	def := &PipelineDefinition{Image: doc.Image}
	for _, entry := range doc.Pipelines.Default {
		name := entry.Step.Name
		if name == "" {
			name = "Unnamed step"
		}
		def.Steps = append(def.Steps, Step{
			Name:   name,
			Image:  entry.Step.Image,
			Script: entry.Step.Script,
		})
	}

	return def, nil
}

// Pipeline is the versioned deployment configuration for a repository. Each
// edit produces a new immutable version; exactly one version per repository
// is active at a time.
type Pipeline struct {
	ID           int64
	RepositoryID int64
	Version      int
	Config       string
	Status       Status
	Active       bool

	// Remote location of the repository the pipeline deploys.
	Workspace string
	RepoSlug  string
	RepoURL   string
	Branch    string

	// Schedule is a cron expression; empty means the pipeline is only
	// triggered manually or by webhook.
	Schedule string

	TestOutput   string
	ErrorMessage string

	LastExecutionAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
