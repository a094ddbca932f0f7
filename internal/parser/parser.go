// Package parser reads task definitions from markdown files.
//
// A task file is a markdown document whose body is the prompt. Optional YAML
// frontmatter selects the project, agent, model and thinking mode:
//
//	---
//	project: billing
//	agent: claude
//	model: opus
//	thinking: on
//	status: backlog
//	---
//	# Add invoice export
//
//	Export invoices as CSV ...
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hochfrequenz/agent-queue/internal/domain"
)

var titleRegex = regexp.MustCompile(`^#\s+(.+)$`)

// TaskFile is one parsed task definition
type TaskFile struct {
	Path         string
	Title        string
	Project      string
	Agent        string
	Model        string
	ThinkingMode domain.ThinkingMode
	Backlog      bool
	Prompt       string
}

// ParseTaskFile parses a single markdown task file
func ParseTaskFile(path string) (*TaskFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, content)
}

// Parse parses task file content. path is only used for the fallback title.
func Parse(path string, content []byte) (*TaskFile, error) {
	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	prompt := strings.TrimSpace(string(body))
	if prompt == "" {
		return nil, fmt.Errorf("task file has no prompt")
	}

	backlog := false
	switch strings.ToLower(strings.TrimSpace(fm.Status)) {
	case "", string(domain.StatusQueued):
	case string(domain.StatusBacklog):
		backlog = true
	default:
		return nil, fmt.Errorf("unsupported status %q: use queued or backlog", fm.Status)
	}

	title := strings.TrimSpace(fm.Title)
	if title == "" {
		title = extractTitle(prompt)
	}
	if title == "" && path != "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &TaskFile{
		Path:         path,
		Title:        title,
		Project:      strings.TrimSpace(fm.Project),
		Agent:        strings.TrimSpace(fm.Agent),
		Model:        strings.TrimSpace(fm.Model),
		ThinkingMode: domain.ParseThinkingMode(fm.Thinking),
		Backlog:      backlog,
		Prompt:       prompt,
	}, nil
}

// ParseDir parses all markdown files in dir, sorted by file name. README.md
// and files starting with an underscore are skipped.
func ParseDir(dir string) ([]*TaskFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !IsTaskFile(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	tasks := make([]*TaskFile, 0, len(names))
	for _, name := range names {
		tf, err := ParseTaskFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		tasks = append(tasks, tf)
	}
	return tasks, nil
}

// IsTaskFile reports whether a file name looks like a task definition
func IsTaskFile(name string) bool {
	if !strings.EqualFold(filepath.Ext(name), ".md") {
		return false
	}
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.EqualFold(name, "README.md")
}

func extractTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := titleRegex.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}
	return ""
}
