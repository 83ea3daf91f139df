package workflow

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// - a repo carries one or more workflow definition files
//   * .loom/workflows/ci.yml
//   * .loom/workflows/docs.yml
// - an event that matches a definition's trigger produces one Run
// - a run owns the matrix-expanded job instances of every job template
// - job templates execute as a dependency graph, steps within a job
//   execute serially

type (
	// Definition is the structural representation of one workflow
	// file. It is immutable after Validate.
	Definition struct {
		Name        string            `yaml:"name"`
		On          Trigger           `yaml:"on"`
		Concurrency Concurrency       `yaml:"concurrency"`
		Env         map[string]string `yaml:"env"`
		Jobs        Jobs              `yaml:"jobs"`
		Publish     *PublishSpec      `yaml:"publish"`

		// name of the file the definition was loaded from
		Path string `yaml:"-"`
	}

	Concurrency struct {
		CancelInProgress bool `yaml:"cancel-in-progress"`
	}

	// Jobs preserves the declaration order of the yaml mapping;
	// scheduling and artifact naming depend on it.
	Jobs []*JobTemplate

	JobTemplate struct {
		Name    string            `yaml:"-"`
		Needs   StringList        `yaml:"needs"`
		If      string            `yaml:"if"`
		Matrix  *MatrixSpec       `yaml:"matrix"`
		Env     map[string]string `yaml:"env"`
		Timeout string            `yaml:"timeout"`
		Steps   []StepTemplate    `yaml:"steps"`

		// filled in by Validate
		Cond            *Cond         `yaml:"-"`
		TimeoutDuration time.Duration `yaml:"-"`
	}

	StepTemplate struct {
		Name      string            `yaml:"name"`
		Command   string            `yaml:"command"`
		If        string            `yaml:"if"`
		Env       map[string]string `yaml:"env"`
		Artifacts []ArtifactSpec    `yaml:"artifacts"`

		Cond *Cond `yaml:"-"`
	}

	// ArtifactSpec names a file a step leaves behind. Name is a
	// logical label, not unique across matrix points.
	ArtifactSpec struct {
		Name string `yaml:"name"`
		Path string `yaml:"path"`
	}

	// PublishSpec declares the downstream aggregation: once every
	// instance of every job in Needs is terminal, artifacts whose
	// names match one of the globs are handed to the publisher.
	PublishSpec struct {
		Needs     StringList `yaml:"needs"`
		Artifacts StringList `yaml:"artifacts"`
	}

	StringList []string
)

// DefaultJobTimeout bounds a job instance's wall clock when the
// definition does not say otherwise.
const DefaultJobTimeout = 30 * time.Minute

func FromFile(path string, contents []byte) (*Definition, error) {
	var def Definition

	err := yaml.Unmarshal(contents, &def)
	if err != nil {
		return nil, err
	}

	def.Path = path
	if def.Name == "" {
		def.Name = path
	}

	return &def, nil
}

func (d *Definition) Job(name string) *JobTemplate {
	for _, j := range d.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// UnmarshalYAML keeps the mapping order of the jobs block.
func (j *Jobs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return errors.New("jobs must be a mapping")
	}

	for i := 0; i < len(value.Content); i += 2 {
		key := value.Content[i]
		val := value.Content[i+1]

		var tmpl JobTemplate
		if err := val.Decode(&tmpl); err != nil {
			return fmt.Errorf("job %q: %w", key.Value, err)
		}
		tmpl.Name = key.Value
		*j = append(*j, &tmpl)
	}

	return nil
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
