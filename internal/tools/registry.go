package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Separator joins a provider namespace and a tool name
const Separator = "__"

var (
	// ErrToolNotFound is returned when no provider exports the requested tool
	ErrToolNotFound = errors.New("tool not found")

	// ErrAmbiguousTool is returned when a bare tool name is exported by more
	// than one provider
	ErrAmbiguousTool = errors.New("ambiguous tool name")

	// ErrDuplicateNamespace is returned when two providers share a namespace
	ErrDuplicateNamespace = errors.New("duplicate tool namespace")
)

// Definition is the schema of one tool as presented to the model
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Provider exports a fixed set of tools under one namespace
type Provider interface {
	Namespace() string
	Tools() []Definition
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Registry dispatches qualified tool names to their providers
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	bare      map[string][]string // tool name -> namespaces exporting it
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		bare:      make(map[string][]string),
	}
}

// Register adds a provider. Namespaces must be unique and free of the separator.
func (r *Registry) Register(p Provider) error {
	ns := p.Namespace()
	if ns == "" || strings.Contains(ns, Separator) {
		return fmt.Errorf("invalid tool namespace %q", ns)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[ns]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNamespace, ns)
	}

	r.providers[ns] = p
	for _, def := range p.Tools() {
		r.bare[def.Name] = append(r.bare[def.Name], ns)
	}
	return nil
}

// Definitions returns every tool with its qualified name, sorted
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []Definition
	for ns, p := range r.providers {
		for _, def := range p.Tools() {
			def.Name = Qualify(ns, def.Name)
			if len(def.InputSchema) == 0 {
				def.InputSchema = json.RawMessage(`{"type":"object"}`)
			}
			defs = append(defs, def)
		}
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Resolve maps a qualified or unambiguous bare name to its provider and tool
func (r *Registry) Resolve(name string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ns, tool, ok := strings.Cut(name, Separator); ok {
		p, exists := r.providers[ns]
		if !exists || !exports(p, tool) {
			return nil, "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		return p, tool, nil
	}

	namespaces := r.bare[name]
	switch len(namespaces) {
	case 0:
		return nil, "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	case 1:
		return r.providers[namespaces[0]], name, nil
	default:
		return nil, "", fmt.Errorf("%w: %s is exported by %s", ErrAmbiguousTool, name, strings.Join(namespaces, ", "))
	}
}

// Call executes the named tool
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	p, tool, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	return p.Call(ctx, tool, args)
}

// Qualify builds the <namespace>__<tool> name
func Qualify(namespace, tool string) string {
	return namespace + Separator + tool
}

func exports(p Provider, tool string) bool {
	for _, def := range p.Tools() {
		if def.Name == tool {
			return true
		}
	}
	return false
}
