package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template paths
const (
	TaskInitial  = "task/initial.md"
	TaskFollowUp = "task/follow_up.md"
	TaskContinue = "task/continue.md"
)

// overrideSubdir is where a project keeps its prompt overrides
const overrideSubdir = ".agent-queue/prompts"

// Loader manages prompt templates with override support
type Loader struct {
	overrideDirs []string // checked in order, first match wins
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds a template's frontmatter
type TemplateMeta struct {
	Description string `yaml:"description"`
}

// TemplateInfo describes a template and where it resolves from
type TemplateInfo struct {
	Path        string
	Description string
	Source      string // override file path, or "embedded"
}

// NewLoader creates a loader with the given override directories
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader checks ~/.config/agent-queue/prompts/ before the embedded templates
func DefaultLoader() *Loader {
	home, _ := os.UserHomeDir()
	return NewLoader(filepath.Join(home, ".config", "agent-queue", "prompts"))
}

// ForProject returns a loader that prefers <projectRoot>/.agent-queue/prompts/
func (l *Loader) ForProject(projectRoot string) *Loader {
	if projectRoot == "" {
		return l
	}
	dirs := append([]string{filepath.Join(projectRoot, filepath.FromSlash(overrideSubdir))}, l.overrideDirs...)
	return NewLoader(dirs...)
}

// resolve returns the content of path and where it came from
func (l *Loader) resolve(path string) ([]byte, string, error) {
	for _, dir := range l.overrideDirs {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if data, err := os.ReadFile(full); err == nil {
			return data, full, nil
		}
	}
	data, err := fs.ReadFile(embeddedFS, path)
	return data, "embedded", err
}

// parseFrontmatter splits content into frontmatter and body
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")
	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}
	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil
	}

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(str[4:4+end]), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return &meta, str[4+end+5:], nil
}

// LoadTemplate loads and parses a template by path (e.g. "task/initial.md")
func (l *Loader) LoadTemplate(path string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[path]; ok {
		meta := l.metaCache[path]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, _, err := l.resolve(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	tmpl, err := template.New(path).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = tmpl
	l.metaCache[path] = meta
	l.mu.Unlock()
	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data
func (l *Loader) Execute(path string, data interface{}) (string, error) {
	tmpl, _, err := l.LoadTemplate(path)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", path, err)
	}
	return buf.String(), nil
}

// List describes every built-in template and the file it currently resolves to
func (l *Loader) List() ([]TemplateInfo, error) {
	var paths []string
	err := fs.WalkDir(embeddedFS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".md") {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	infos := make([]TemplateInfo, 0, len(paths))
	for _, p := range paths {
		_, source, err := l.resolve(p)
		if err != nil {
			return nil, err
		}
		info := TemplateInfo{Path: p, Source: source}
		if _, meta, err := l.LoadTemplate(p); err != nil {
			return nil, err
		} else if meta != nil {
			info.Description = meta.Description
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// TaskData holds template variables for task prompts
type TaskData struct {
	Title       string
	Prompt      string
	FollowUp    string
	Iteration   int
	ProjectName string
	ProjectPath string
}

// BuildTaskPrompt picks the template for the iteration and renders it. A run that
// resumes a session only gets the follow-up, or a nudge to continue.
func (l *Loader) BuildTaskPrompt(data TaskData, resume bool) (string, error) {
	path := TaskInitial
	if resume {
		path = TaskContinue
		if data.FollowUp != "" {
			path = TaskFollowUp
		}
	}
	out, err := l.Execute(path, data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out) + "\n", nil
}
