package parser

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Frontmatter represents the YAML frontmatter of a task file
type Frontmatter struct {
	Title    string `yaml:"title"`
	Project  string `yaml:"project"`
	Agent    string `yaml:"agent"`
	Model    string `yaml:"model"`
	Thinking string `yaml:"thinking"`
	Status   string `yaml:"status"`
}

// ParseFrontmatter extracts YAML frontmatter from markdown content
// Returns the frontmatter, remaining content, and any error
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	// Find end of frontmatter
	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	fmData := rest[:endIdx]
	remaining := rest[endIdx+4:] // skip \n---

	var fm Frontmatter
	if err := yaml.Unmarshal(fmData, &fm); err != nil {
		return nil, nil, err
	}

	return &fm, bytes.TrimLeft(remaining, "\n"), nil
}
