package views

import (
	"fmt"
	"sort"
	"sync"

	apperrors "orderflow-backend/pkg/errors"
)

// Registry maps domains to their view updaters and validates the dependency
// graph. Registration happens at startup, before traffic.
type Registry struct {
	mu       sync.RWMutex
	byDomain map[string][]*Updater
	byView   map[string]*Updater
	domainOf map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byDomain: make(map[string][]*Updater),
		byView:   make(map[string]*Updater),
		domainOf: make(map[string]string),
	}
}

// Register binds an updater to a domain. View names are globally unique.
func (r *Registry) Register(domain string, u *Updater) error {
	if u.View == "" || u.KeyFor == nil || u.Reduce == nil {
		return apperrors.NewValidation("view updater needs a name, a key extractor and a reducer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byView[u.View]; exists {
		return apperrors.NewValidation(fmt.Sprintf("view %s is already registered", u.View))
	}
	r.byDomain[domain] = append(r.byDomain[domain], u)
	r.byView[u.View] = u
	r.domainOf[u.View] = domain
	return nil
}

// ForDomain returns the updaters of a domain in registration order.
func (r *Registry) ForDomain(domain string) []*Updater {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Updater, len(r.byDomain[domain]))
	copy(out, r.byDomain[domain])
	return out
}

// Views returns all registered view names.
func (r *Registry) Views() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byView))
	for v := range r.byView {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// RebuildOrder returns the domain's views topologically sorted so that every
// view comes after the views it depends on. Unknown dependencies and cycles
// are errors.
func (r *Registry) RebuildOrder(domain string) ([]*Updater, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	updaters := r.byDomain[domain]
	inDomain := make(map[string]*Updater, len(updaters))
	for _, u := range updaters {
		inDomain[u.View] = u
	}

	// Kahn's algorithm over the dependency edges within the domain.
	indegree := make(map[string]int, len(updaters))
	dependents := make(map[string][]string)
	for _, u := range updaters {
		indegree[u.View] += 0
		for _, dep := range u.DependsOn {
			if _, known := r.byView[dep]; !known {
				return nil, apperrors.NewValidation(fmt.Sprintf("view %s depends on unknown view %s", u.View, dep))
			}
			if _, same := inDomain[dep]; !same {
				continue // cross-domain reads do not order this rebuild
			}
			indegree[u.View]++
			dependents[dep] = append(dependents[dep], u.View)
		}
	}

	ready := make([]string, 0, len(updaters))
	for _, u := range updaters {
		if indegree[u.View] == 0 {
			ready = append(ready, u.View)
		}
	}
	sort.Strings(ready)

	order := make([]*Updater, 0, len(updaters))
	for len(ready) > 0 {
		view := ready[0]
		ready = ready[1:]
		order = append(order, inDomain[view])
		next := dependents[view]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(updaters) {
		return nil, apperrors.NewValidation(fmt.Sprintf("view dependencies of domain %s contain a cycle", domain))
	}
	return order, nil
}
