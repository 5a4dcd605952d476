package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Snapshot is one immutable, validated configuration: server settings,
// the flow registry, and the template index. Reload builds a brand-new
// snapshot and swaps it atomically; a snapshot is never mutated after
// Initialize returns it.
type Snapshot struct {
	Settings  ServerSettings
	Flows     map[string]*FlowDefinition
	Templates map[string]*Template

	path string
}

// Flow returns the named flow definition.
func (s *Snapshot) Flow(flowType string) (*FlowDefinition, error) {
	flow, ok := s.Flows[flowType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowType)
	}
	return flow, nil
}

// HasFlow reports whether the named flow exists.
func (s *Snapshot) HasFlow(flowType string) bool {
	_, ok := s.Flows[flowType]
	return ok
}

// Template returns the named template.
func (s *Snapshot) Template(name string) (*Template, error) {
	tpl, ok := s.Templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return tpl, nil
}

// TemplateNames returns the names of all loaded templates.
func (s *Snapshot) TemplateNames() []string {
	names := make([]string, 0, len(s.Templates))
	for name := range s.Templates {
		names = append(names, name)
	}
	return names
}

// Holder publishes the current snapshot. Readers take a consistent view
// with Current() and keep it for the remainder of their call; Reload
// swaps in a freshly validated snapshot without blocking readers.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a holder publishing the given snapshot.
func NewHolder(snapshot *Snapshot) *Holder {
	h := &Holder{}
	h.current.Store(snapshot)
	return h
}

// Current returns the currently published snapshot.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Reload rebuilds the snapshot from the same path it was first loaded
// from and swaps it in atomically. On error the previous snapshot stays
// published.
func (h *Holder) Reload() error {
	old := h.Current()
	fresh, err := Initialize(old.path)
	if err != nil {
		return fmt.Errorf("reload failed, keeping previous configuration: %w", err)
	}
	h.current.Store(fresh)
	slog.Info("Configuration reloaded",
		"flows", len(fresh.Flows),
		"templates", len(fresh.Templates))
	return nil
}
