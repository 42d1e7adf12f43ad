package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/genelink/internal/dispatch"
)

var (
	ErrServiceExists = errors.New("services: service already registered")
	ErrServiceNil    = errors.New("services: service is nil")
)

// Service groups the responders one feature exposes.
type Service interface {
	Name() string
	Responders() []dispatch.Responder
}

// ServiceRegistry stores services by name.
type ServiceRegistry struct {
	repo map[string]Service
	mu   sync.RWMutex
}

// NewServiceRegistry initializes an empty service registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{repo: make(map[string]Service)}
}

// Register adds a service by name. The first service under a name wins.
func (sr *ServiceRegistry) Register(s Service) error {
	if s == nil {
		return ErrServiceNil
	}
	name := strings.TrimSpace(s.Name())
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if _, ok := sr.repo[name]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, name)
	}
	sr.repo[name] = s
	return nil
}

// Get returns a service by name.
func (sr *ServiceRegistry) Get(name string) (Service, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	s, ok := sr.repo[name]
	return s, ok
}

// Names returns registered service names in order.
func (sr *ServiceRegistry) Names() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make([]string, 0, len(sr.repo))
	for name := range sr.repo {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Install registers every responder of every service with reg. filters
// maps responder names to the filter chain they are wrapped in.
func (sr *ServiceRegistry) Install(reg *dispatch.Registry, filters map[string][]dispatch.FilterSpec) error {
	for _, name := range sr.Names() {
		s, _ := sr.Get(name)
		for _, r := range s.Responders() {
			if err := reg.Register(r, filters[r.Info().Name]...); err != nil {
				return fmt.Errorf("service %s: %w", name, err)
			}
		}
	}
	return nil
}
