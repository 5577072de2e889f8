package steprun

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is a declarative pipeline description loaded from YAML. It
// covers the same surface as the programmatic AddStep API: one of command,
// script or callable per step, optional hooks, dependencies and file
// lists. Callables are referenced by registered name.
type Definition struct {
	Name  string    `yaml:"name"`
	Steps []StepDef `yaml:"steps"`
}

// StepDef describes one step of a Definition.
type StepDef struct {
	Name     string    `yaml:"name"`
	Command  string    `yaml:"command,omitempty"`
	Args     []string  `yaml:"args,omitempty"`
	Script   string    `yaml:"script,omitempty"`
	Callable string    `yaml:"callable,omitempty"`
	Depends  []string  `yaml:"depends,omitempty"`
	Pretest  *HookDef  `yaml:"pretest,omitempty"`
	Donetest *HookDef  `yaml:"donetest,omitempty"`
	Comment  string    `yaml:"comment,omitempty"`
	Files    *FileList `yaml:"files,omitempty"`
}

// HookDef describes a pretest or donetest in a Definition.
type HookDef struct {
	Command  string   `yaml:"command,omitempty"`
	Args     []string `yaml:"args,omitempty"`
	Script   string   `yaml:"script,omitempty"`
	Callable string   `yaml:"callable,omitempty"`
}

// ParseDefinition decodes and validates a YAML pipeline definition.
func ParseDefinition(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigError{Err: fmt.Errorf("definition payload is empty")}
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decode definition: %w", err)}
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads a YAML pipeline definition from disk.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("read definition %s: %w", path, err)}
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return &ConfigError{Err: fmt.Errorf("definition has no name")}
	}
	if len(d.Steps) == 0 {
		return &ConfigError{Err: fmt.Errorf("definition %q has no steps", d.Name)}
	}
	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		sd := &d.Steps[i]
		if sd.Name == "" {
			return &ConfigError{Err: fmt.Errorf("step %d has no name", i)}
		}
		if seen[sd.Name] {
			return &ConfigError{Step: sd.Name, Err: ErrDuplicateStep}
		}
		seen[sd.Name] = true
		if _, err := sd.work(); err != nil {
			return err
		}
		for _, hd := range []*HookDef{sd.Pretest, sd.Donetest} {
			if hd == nil {
				continue
			}
			if _, err := hd.hook(); err != nil {
				return &ConfigError{Step: sd.Name, Err: err}
			}
		}
	}
	return nil
}

// work builds the Work described by the step definition. Exactly one of
// command, script and callable must be set.
func (sd *StepDef) work() (Work, error) {
	var w Work
	n := 0
	if sd.Command != "" {
		w = Command(sd.Command, sd.Args...)
		n++
	}
	if sd.Script != "" {
		w = Script(sd.Script)
		n++
	}
	if sd.Callable != "" {
		w = Callable(sd.Callable)
		n++
	}
	if n != 1 {
		return Work{}, &ConfigError{Step: sd.Name,
			Err: fmt.Errorf("step needs exactly one of command, script or callable, got %d", n)}
	}
	return w, nil
}

func (hd *HookDef) hook() (*Hook, error) {
	var w Work
	n := 0
	if hd.Command != "" {
		w = Command(hd.Command, hd.Args...)
		n++
	}
	if hd.Script != "" {
		w = Script(hd.Script)
		n++
	}
	if hd.Callable != "" {
		w = Callable(hd.Callable)
		n++
	}
	if n != 1 {
		return nil, fmt.Errorf("hook needs exactly one of command, script or callable, got %d", n)
	}
	return NewHook(w)
}

// Apply adds the definition's steps to the pipeline in declaration order.
// Step names must not collide with steps already present.
func (d *Definition) Apply(p *Pipeline) error {
	for i := range d.Steps {
		sd := &d.Steps[i]
		w, err := sd.work()
		if err != nil {
			return err
		}
		var opts []StepOption
		if len(sd.Depends) > 0 {
			opts = append(opts, DependsOn(sd.Depends...))
		}
		if sd.Pretest != nil {
			h, err := sd.Pretest.hook()
			if err != nil {
				return &ConfigError{Step: sd.Name, Err: err}
			}
			opts = append(opts, WithPretest(h))
		}
		if sd.Donetest != nil {
			h, err := sd.Donetest.hook()
			if err != nil {
				return &ConfigError{Step: sd.Name, Err: err}
			}
			opts = append(opts, WithDonetest(h))
		}
		if sd.Files != nil {
			fl := *sd.Files
			opts = append(opts, WithFiles(&fl))
		}
		s := NewStep(sd.Name, w, opts...)
		s.Comment = sd.Comment
		if err := p.AddStep(s); err != nil {
			return err
		}
	}
	return nil
}

// OpenDefinition loads a definition from defPath and opens a pipeline
// persisted at storePath. When the snapshot already exists the definition
// only has to match by name; otherwise its steps seed the new pipeline.
func OpenDefinition(defPath, storePath string, opts ...Option) (*Pipeline, error) {
	def, err := LoadDefinition(defPath)
	if err != nil {
		return nil, err
	}
	p, err := Open(storePath, opts...)
	if err != nil {
		return nil, err
	}
	if p.Len() == 0 {
		p.Name = def.Name
		if err := def.Apply(p); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	}
	if p.Name != def.Name {
		p.Close()
		return nil, &ConfigError{Err: fmt.Errorf(
			"definition %q does not match persisted pipeline %q", def.Name, p.Name)}
	}
	return p, nil
}
