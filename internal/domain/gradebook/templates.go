package gradebook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// Keyed is implemented by templates stored in a TemplateSet.
type Keyed interface {
	Entity
	TemplateKey() string
	Protected() bool
}

// TemplateSet holds templates by key.
type TemplateSet[T Keyed] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewTemplateSet creates an empty set.
func NewTemplateSet[T Keyed]() *TemplateSet[T] {
	return &TemplateSet[T]{items: make(map[string]T)}
}

// Add inserts a template. An existing key is only overwritten when replace is
// set and the existing template is not protected.
func (s *TemplateSet[T]) Add(t T, replace bool) error {
	key := t.TemplateKey()
	if key == "" {
		return shared.NewDomainError("templates", "Add", shared.ErrInvalidInput, "template key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[key]; ok {
		if existing.Protected() {
			return shared.NewDomainError("templates", "Add", shared.ErrUnreplaceable,
				fmt.Sprintf("template %q is built in and cannot be replaced", key))
		}
		if !replace {
			return shared.NewDomainError("templates", "Add", shared.ErrAlreadyExists,
				fmt.Sprintf("template %q already exists", key))
		}
	}
	s.items[key] = t
	return nil
}

// Remove deletes a template and returns it.
func (s *TemplateSet[T]) Remove(key string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	existing, ok := s.items[key]
	if !ok {
		return zero, shared.WrapError("templates", "Remove", shared.ErrNotFound,
			fmt.Sprintf("template %q", key), shared.ErrTemplateNotFound)
	}
	if existing.Protected() {
		return zero, shared.NewDomainError("templates", "Remove", shared.ErrUnreplaceable,
			fmt.Sprintf("template %q is built in and cannot be removed", key))
	}
	delete(s.items, key)
	return existing, nil
}

// Get returns the template with the key.
func (s *TemplateSet[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.items[key]
	return t, ok
}

// All returns the templates ordered by key.
func (s *TemplateSet[T]) All() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.items[k])
	}
	return out
}

// Len returns the number of templates.
func (s *TemplateSet[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
