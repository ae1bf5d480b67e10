package catalog

import (
	"slices"
	"sort"
	"strings"

	"github.com/pavelanni/studyaide/internal/model"
)

// Categories returns the known category labels in sorted order.
func (c *Catalog) Categories() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.state.Categories...)
}

// AddCategory inserts a trimmed, non-empty, not yet known category.
// Anything else is silently ignored.
func (c *Catalog) AddCategory(name string) {
	name = strings.TrimSpace(name)
	c.update(func(s *model.State) {
		if name == "" || contains(s.Categories, name) {
			return
		}
		s.Categories = append(s.Categories, name)
		sort.Strings(s.Categories)
	})
}

// RemoveCategory drops a category and clears it from every exam using it.
func (c *Catalog) RemoveCategory(name string) {
	c.update(func(s *model.State) {
		s.Categories = slices.DeleteFunc(s.Categories, func(cat string) bool { return cat == name })
		for i := range s.Exams {
			if s.Exams[i].Category == name {
				s.Exams[i].Category = ""
			}
		}
	})
}

// UpdateCategory renames a category and cascades the rename to exams. An
// empty or already known new name is silently ignored.
func (c *Catalog) UpdateCategory(oldName, newName string) {
	newName = strings.TrimSpace(newName)
	c.update(func(s *model.State) {
		if newName == "" || contains(s.Categories, newName) {
			return
		}
		i := slices.Index(s.Categories, oldName)
		if i < 0 {
			return
		}
		s.Categories[i] = newName
		sort.Strings(s.Categories)
		for j := range s.Exams {
			if s.Exams[j].Category == oldName {
				s.Exams[j].Category = newName
			}
		}
	})
}

func contains(list []string, s string) bool {
	return slices.Contains(list, s)
}
