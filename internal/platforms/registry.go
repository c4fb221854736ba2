package platforms

import (
	"sort"
	"strings"
)

// Registry holds the supported platforms keyed by name.
type Registry struct {
	byName map[string]Platform
}

// NewRegistry indexes the provided platforms. Later duplicates win, which
// lets callers override a default platform with a configured one.
func NewRegistry(entries ...Platform) *Registry {
	byName := make(map[string]Platform, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		byName[strings.ToLower(entry.Name())] = entry
	}
	return &Registry{byName: byName}
}

// Lookup returns the platform registered under name, if any.
func (r *Registry) Lookup(name string) (Platform, bool) {
	if r == nil {
		return nil, false
	}
	platform, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return platform, ok
}

// Names returns the registered platform names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
