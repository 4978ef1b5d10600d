// Package script loads environment and step-script definitions from YAML or
// JSON documents, addressed by afs URL (file, embedded, s3, ...).
package script

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/openjobdescription/sessions/model"
)

// Service reads script definitions from storage.
type Service struct {
	fs afs.Service
}

// New returns a loader backed by the given afs service; nil uses the default.
func New(fs afs.Service) *Service {
	if fs == nil {
		fs = afs.New()
	}
	return &Service{fs: fs}
}

// LoadEnvironment loads an environment definition from the specified URL.
func (s *Service) LoadEnvironment(ctx context.Context, URL string) (*model.Environment, error) {
	var environment model.Environment
	if err := s.load(ctx, URL, &environment); err != nil {
		return nil, err
	}
	if environment.Name == "" {
		environment.Name = nameFromURL(URL)
	}
	if err := validateEnvironment(&environment); err != nil {
		return nil, fmt.Errorf("invalid environment at %s: %w", URL, err)
	}
	return &environment, nil
}

// LoadStepScript loads a step script definition from the specified URL.
func (s *Service) LoadStepScript(ctx context.Context, URL string) (*model.StepScript, error) {
	var script model.StepScript
	if err := s.load(ctx, URL, &script); err != nil {
		return nil, err
	}
	if err := validateStepScript(&script); err != nil {
		return nil, fmt.Errorf("invalid step script at %s: %w", URL, err)
	}
	return &script, nil
}

// DecodeEnvironment decodes an environment definition from YAML or JSON.
func (s *Service) DecodeEnvironment(encoded []byte) (*model.Environment, error) {
	var environment model.Environment
	if err := yaml.Unmarshal(encoded, &environment); err != nil {
		return nil, err
	}
	if err := validateEnvironment(&environment); err != nil {
		return nil, err
	}
	return &environment, nil
}

// DecodeStepScript decodes a step script definition from YAML or JSON.
func (s *Service) DecodeStepScript(encoded []byte) (*model.StepScript, error) {
	var script model.StepScript
	if err := yaml.Unmarshal(encoded, &script); err != nil {
		return nil, err
	}
	if err := validateStepScript(&script); err != nil {
		return nil, err
	}
	return &script, nil
}

func (s *Service) load(ctx context.Context, URL string, target interface{}) error {
	if filepath.Ext(URL) == "" {
		URL += ".yaml"
	}
	data, err := s.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return fmt.Errorf("failed to load script from %s: %w", URL, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse script from %s: %w", URL, err)
	}
	return nil
}

func nameFromURL(URL string) string {
	base := filepath.Base(URL)
	return base[:len(base)-len(filepath.Ext(base))]
}

func validateEnvironment(environment *model.Environment) error {
	if environment.Name == "" {
		return fmt.Errorf("environment name is required")
	}
	if script := environment.Script; script != nil {
		if script.Actions.OnEnter != nil && script.Actions.OnEnter.Command == "" {
			return fmt.Errorf("onEnter action requires a command")
		}
		if script.Actions.OnExit != nil && script.Actions.OnExit.Command == "" {
			return fmt.Errorf("onExit action requires a command")
		}
		return validateEmbeddedFiles(script.EmbeddedFiles)
	}
	return nil
}

func validateStepScript(script *model.StepScript) error {
	if script.Actions.OnRun.Command == "" {
		return fmt.Errorf("onRun action requires a command")
	}
	return validateEmbeddedFiles(script.EmbeddedFiles)
}

func validateEmbeddedFiles(files []model.EmbeddedFile) error {
	seen := make(map[string]bool, len(files))
	for i := range files {
		name := files[i].Name
		if name == "" {
			return fmt.Errorf("embedded file at index %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate embedded file name %q", name)
		}
		seen[name] = true
	}
	return nil
}
