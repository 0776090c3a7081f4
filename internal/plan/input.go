// Package plan reads a decomposition of work items and turns it into a validated dependency graph.
package plan

import (
	"fmt"
	"io"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// Input is the decomposer's output: an ordered list of proposed work items.
type Input struct {
	Items []ItemInput `yaml:"items"`
}

// ItemInput is one proposed work item. DependsOn entries reference other items by
// title or by 1-based position in Items.
type ItemInput struct {
	ID               string   `yaml:"id,omitempty"`
	Title            string   `yaml:"title"`
	Description      string   `yaml:"description"`
	Kind             string   `yaml:"kind"`
	DependsOn        []string `yaml:"depends_on,omitempty"`
	SecurityCritical bool     `yaml:"security_critical"`
}

// ReadInput parses a plan from path, or from stdin when path is "-" or empty.
func ReadInput(path string) (*Input, error) {
	var data []byte
	var err error

	if path == "-" || path == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return ParseInput(data)
}

func ParseInput(data []byte) (*Input, error) {
	var input Input
	if err := yamlv3.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("parse plan YAML: %w", err)
	}
	return &input, nil
}
