// Package checklist loads to-do templates that teachers push into a
// course.
package checklist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Checklist is a titled list of to-do items.
//
//	title: Week 1
//	items:
//	  - Open the practice terminal
//	  - Run kubectl version
type Checklist struct {
	Title string   `yaml:"title"`
	Items []string `yaml:"items"`
}

// Load reads and validates a checklist file. A missing title defaults to
// the file name without its extension.
func Load(path string) (*Checklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Checklist
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	items := c.Items[:0]
	for _, it := range c.Items {
		if it = strings.TrimSpace(it); it != "" {
			items = append(items, it)
		}
	}
	c.Items = items
	if len(c.Items) == 0 {
		return nil, fmt.Errorf("checklist %s has no items", path)
	}

	if c.Title == "" {
		base := filepath.Base(path)
		c.Title = strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	}
	return &c, nil
}

// LoadDir loads every .yaml or .yml file in dir, sorted by file name.
func LoadDir(dir string) ([]*Checklist, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]*Checklist, 0, len(names))
	for _, name := range names {
		c, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, c)
	}
	return out, nil
}
