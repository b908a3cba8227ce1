// Package playbooks loads the markdown strategy documents that extend
// the agent's system prompt. A playbook describes how the assistant
// should approach a class of work (risk discipline, research workflow,
// options conventions); the operator edits them as plain files in the
// configured directory.
package playbooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Loader reads playbook files from a directory.
type Loader struct {
	dir string
}

// NewLoader creates a playbook loader for the given directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads all .md files from the playbooks directory and returns
// their combined content, suitable for injection into the system
// prompt. A missing or empty directory loads as "".
func (l *Loader) Load() (string, error) {
	files, err := l.files()
	if err != nil {
		return "", err
	}

	var parts []string
	for _, f := range files {
		content, err := os.ReadFile(filepath.Join(l.dir, f))
		if err != nil {
			return "", fmt.Errorf("read playbook %s: %w", f, err)
		}
		parts = append(parts, strings.TrimSpace(string(content)))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}

// List returns the names of available playbooks (filenames without the
// .md extension), sorted.
func (l *Loader) List() ([]string, error) {
	files, err := l.files()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimSuffix(f, ".md"))
	}
	return names, nil
}

func (l *Loader) files() ([]string, error) {
	if l.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read playbooks dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, e.Name())
		}
	}
	// Sort for deterministic prompt assembly.
	sort.Strings(files)
	return files, nil
}
