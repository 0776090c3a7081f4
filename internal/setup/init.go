// Package setup creates a project's .foreman directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/model"
	atomicyaml "github.com/msageha/foreman/internal/yaml"
	"github.com/msageha/foreman/templates"
)

// Dirs are created under the state directory.
var Dirs = []string{
	"state",
	"logs",
	"workspaces",
	"merge",
	"reviews",
	"quarantine",
}

// Run initializes the .foreman/ directory structure in projectDir.
// projectName defaults to the directory basename.
func Run(projectDir, projectName string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, config.DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := copyTemplateFile("plan.yaml", filepath.Join(base, "plan.yaml")); err != nil {
		return "", err
	}
	if err := copyTemplateFile("rules.yaml", filepath.Join(base, "rules.yaml")); err != nil {
		return "", err
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.WriteRaw(filepath.Join(base, config.FileName), cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", config.FileName, err)
	}

	// Nothing under the state directory is tracked.
	ignore := "*\n"
	if err := os.WriteFile(filepath.Join(base, ".gitignore"), []byte(ignore), 0644); err != nil {
		return "", fmt.Errorf("write .gitignore: %w", err)
	}
	return base, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// generateConfig fills the project name into the config template. The template
// is edited as a YAML node tree so ${VAR} references and comments survive.
func generateConfig(projectDir, projectName string) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	// The template must decode into a valid config before it is written.
	var cfg model.Config
	if err := config.Decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName == "" {
		projectName = filepath.Base(projectDir)
	}

	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if !setScalar(&doc, projectName, "project", "name") {
		return nil, fmt.Errorf("config template has no project.name")
	}
	return yamlv3.Marshal(&doc)
}

// setScalar sets the scalar at the mapping path keys.
func setScalar(n *yamlv3.Node, value string, keys ...string) bool {
	if n.Kind == yamlv3.DocumentNode && len(n.Content) == 1 {
		n = n.Content[0]
	}
	for i, key := range keys {
		if n.Kind != yamlv3.MappingNode {
			return false
		}
		var next *yamlv3.Node
		for j := 0; j+1 < len(n.Content); j += 2 {
			if n.Content[j].Value == key {
				next = n.Content[j+1]
				break
			}
		}
		if next == nil {
			return false
		}
		if i == len(keys)-1 {
			next.Kind = yamlv3.ScalarNode
			next.Tag = "!!str"
			next.Value = value
			next.Style = 0
			return true
		}
		n = next
	}
	return false
}
