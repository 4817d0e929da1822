package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkerSpec is one worker-type entry from the workers file.
type WorkerSpec struct {
	Type         string  `yaml:"type"`
	SystemPrompt string  `yaml:"systemPrompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"maxTokens"`
}

type workersFile struct {
	Workers []WorkerSpec `yaml:"workers"`
}

// LoadWorkerSpecs parses a workers.yaml file. An empty path returns nil
// specs, meaning callers fall back to the built-in worker set.
func LoadWorkerSpecs(path string) ([]WorkerSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read workers file: %w", err)
	}
	var f workersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse workers file: %w", err)
	}
	seen := make(map[string]bool, len(f.Workers))
	for _, w := range f.Workers {
		if w.Type == "" {
			return nil, fmt.Errorf("config: workers file entry missing type")
		}
		if seen[w.Type] {
			return nil, fmt.Errorf("config: duplicate worker type %q", w.Type)
		}
		seen[w.Type] = true
	}
	return f.Workers, nil
}
