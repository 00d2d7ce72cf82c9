// Package extract selects the extraction collaborator for a source.
package extract

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

// Registry maps source identifiers to extractors.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]harvest.Extractor
}

// NewRegistry returns a registry pre-populated with the given extractors.
func NewRegistry(extractors ...harvest.Extractor) (*Registry, error) {
	r := &Registry{extractors: make(map[string]harvest.Extractor)}
	for _, e := range extractors {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an extractor. Registering the same source twice is an error.
func (r *Registry) Register(e harvest.Extractor) error {
	if e == nil || e.Source() == "" {
		return fmt.Errorf("extractor must declare a source")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.extractors[e.Source()]; ok {
		return fmt.Errorf("extractor for source %q already registered", e.Source())
	}
	r.extractors[e.Source()] = e
	return nil
}

// Lookup returns the extractor registered for source.
func (r *Registry) Lookup(source string) (harvest.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[source]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for source %q (known: %v)", source, r.sourcesLocked())
	}
	return e, nil
}

// Sources lists the registered source identifiers in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sourcesLocked()
}

func (r *Registry) sourcesLocked() []string {
	out := make([]string, 0, len(r.extractors))
	for k := range r.extractors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
