package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/genelink/internal/protocol"
)

var (
	ErrResponderExists = errors.New("dispatch: responder already registered")
	ErrResponderNil    = errors.New("dispatch: responder is nil")
	ErrInvalidInfo     = errors.New("dispatch: invalid responder info")
	ErrFilterConfig    = errors.New("dispatch: invalid filter config")
	ErrFilterExists    = errors.New("dispatch: filter already registered")
)

// Registry maps data-kind ids to responders and holds the filter factories
// responders may name at registration.
type Registry struct {
	mu        sync.RWMutex
	items     map[protocol.DataKind]*entry
	factories map[string]FilterFactory
}

type entry struct {
	responder Responder
	info      Info
	filters   []Filter
	names     []string
}

// NewRegistry creates an empty registry that knows the built-in filters.
func NewRegistry() *Registry {
	r := &Registry{
		items:     make(map[protocol.DataKind]*entry),
		factories: make(map[string]FilterFactory),
	}
	for _, f := range BuiltinFilters() {
		r.factories[f.Name()] = f
	}
	return r
}

// ValidateInfo checks the fields a responder must describe itself with.
func ValidateInfo(info Info) error {
	if strings.TrimSpace(info.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInfo)
	}
	if info.Kind == protocol.KindNone {
		return fmt.Errorf("%w: %s has no data kind", ErrInvalidInfo, info.Name)
	}
	return nil
}

// RegisterFilter adds a filter factory. The first factory under a name wins.
func (r *Registry) RegisterFilter(f FilterFactory) error {
	if f == nil || strings.TrimSpace(f.Name()) == "" {
		return fmt.Errorf("%w: unnamed factory", ErrFilterConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[f.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrFilterExists, f.Name())
	}
	r.factories[f.Name()] = f
	return nil
}

// Register adds a responder wrapped by the named filters, outermost first.
// Filters are built here, so bad config fails registration and never a call.
// The first responder registered for a data kind wins.
func (r *Registry) Register(resp Responder, specs ...FilterSpec) error {
	if resp == nil {
		return ErrResponderNil
	}
	info := resp.Info()
	if err := ValidateInfo(info); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.items[info.Kind]; ok {
		return fmt.Errorf("%w: %s (kind %s, held by %s)", ErrResponderExists, info.Name, info.Kind, cur.info.Name)
	}
	e := &entry{responder: resp, info: info}
	for _, spec := range specs {
		factory, ok := r.factories[spec.Name]
		if !ok {
			return fmt.Errorf("%w: unknown filter %q on %s", ErrFilterConfig, spec.Name, info.Name)
		}
		f, err := factory.Build(spec.Config)
		if err != nil {
			return fmt.Errorf("filter %q on %s: %w", spec.Name, info.Name, err)
		}
		e.filters = append(e.filters, f)
		e.names = append(e.names, spec.Name)
	}
	r.items[info.Kind] = e
	return nil
}

// Lookup returns the responder registered for kind.
func (r *Registry) Lookup(kind protocol.DataKind) (Responder, bool) {
	e, ok := r.lookup(kind)
	if !ok {
		return nil, false
	}
	return e.responder, true
}

func (r *Registry) lookup(kind protocol.DataKind) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[kind]
	return e, ok
}

// Kinds returns every registered data kind in ascending order.
func (r *Registry) Kinds() []protocol.DataKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.DataKind, 0, len(r.items))
	for k := range r.items {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})
	return out
}

// Description is the listing form of a registered responder.
type Description struct {
	Info
	Filters []string `json:"filters,omitempty"`
}

// Describe returns deterministic responder ordering by name.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	list := make([]Description, 0, len(r.items))
	for _, e := range r.items {
		list = append(list, Description{Info: e.info, Filters: append([]string(nil), e.names...)})
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}
