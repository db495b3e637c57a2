package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// workerAssignmentYAML mirrors WorkerAssignmentRequest's fields with yaml
// tags; WorkerAssignmentRequest itself carries validator tags that yaml.v3
// ignores, so decoding targets this shape and converts it.
type workerAssignmentYAML struct {
	Provider  string            `yaml:"provider"`
	Model     string            `yaml:"model"`
	Quantity  int               `yaml:"quantity"`
	Overrides map[string]string `yaml:"overrides"`
}

type workerDefaultsYAML struct {
	WorkerCount int                    `yaml:"workerCount"`
	Assignments []workerAssignmentYAML `yaml:"assignments"`
}

// LoadWorkerDefaults reads a YAML worker-assignment defaults file from
// path and returns the WorkersRequest it describes. A missing or
// unreadable file is returned as an error; callers decide whether to fall
// back silently.
func LoadWorkerDefaults(path string) (*WorkersRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read worker defaults %s: %w", path, err)
	}

	var doc workerDefaultsYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse worker defaults %s: %w", path, err)
	}

	assignments := make([]WorkerAssignmentRequest, 0, len(doc.Assignments))
	for _, a := range doc.Assignments {
		assignments = append(assignments, WorkerAssignmentRequest{
			Provider:  a.Provider,
			Model:     a.Model,
			Quantity:  a.Quantity,
			Overrides: a.Overrides,
		})
	}
	return &WorkersRequest{WorkerCount: doc.WorkerCount, Assignments: assignments}, nil
}
