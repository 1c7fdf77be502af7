package coordinator

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var entryIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// HealthStatus represents entry health states for status reporting.
type HealthStatus string

const (
	HealthHealthy         HealthStatus = "HEALTHY"
	HealthDegraded        HealthStatus = "DEGRADED"
	HealthReauthRequired  HealthStatus = "REAUTH_REQUIRED"
	HealthUnauthenticated HealthStatus = "UNAUTHENTICATED"
)

// Health reports the entry's current state for status consumers.
func (c *Coordinator) Health() (HealthStatus, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.reauthPending:
		return HealthReauthRequired, "refresh token rejected; submit a new one"
	case c.lastErr != nil && c.lastSuccess.IsZero():
		return HealthUnauthenticated, c.lastErr.Error()
	case c.lastErr != nil:
		return HealthDegraded, c.lastErr.Error()
	default:
		return HealthHealthy, ""
	}
}

// Registry tracks the running coordinators by entry id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Coordinator
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Coordinator{}}
}

// Add registers a coordinator. Entry ids are lowercase slugs and must
// be unique.
func (r *Registry) Add(c *Coordinator) error {
	if c.name == "" {
		return errors.New("entry id is empty")
	}
	if !entryIDPattern.MatchString(c.name) {
		return fmt.Errorf("entry id %q does not match %s", c.name, entryIDPattern.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[c.name]; exists {
		return fmt.Errorf("duplicate entry id: %s", c.name)
	}
	r.entries[c.name] = c
	return nil
}

// Get returns the coordinator for one entry.
func (r *Registry) Get(name string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[name]
	return c, ok
}

// Names lists the registered entry ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove stops and unregisters one entry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	c, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// CloseAll stops every registered coordinator.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*Coordinator, 0, len(r.entries))
	for _, c := range r.entries {
		entries = append(entries, c)
	}
	r.entries = map[string]*Coordinator{}
	r.mu.Unlock()

	for _, c := range entries {
		c.Close()
	}
}
