// Package platform holds the adapter type registry: per platform identifier,
// the descriptor and constructor used to manufacture adapters.
package platform

import (
	"sort"
	"sync"

	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/types"
	"github.com/shelfsync/adapterfactory/pkg/utils"
)

// Dependencies are the shared services injected into every adapter, along
// with the identity the factory assigned to it.
type Dependencies struct {
	PlatformID string
	AdapterID  string

	Bus     event.Publisher
	Logger  *utils.StructuredLogger
	Monitor types.PerformanceMonitor
}

// Constructor builds one adapter from injected dependencies and the merged
// (defaults overlaid by caller) configuration.
type Constructor func(deps Dependencies, cfg map[string]interface{}) (types.Adapter, error)

// Descriptor is the immutable metadata registered for a platform.
type Descriptor struct {
	PlatformID   string                 `json:"platform_id" yaml:"platform_id"`
	Version      string                 `json:"version" yaml:"version"`
	Capabilities []string               `json:"capabilities" yaml:"capabilities"`
	Defaults     map[string]interface{} `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	if d.Defaults != nil {
		out.Defaults = make(map[string]interface{}, len(d.Defaults))
		for k, v := range d.Defaults {
			out.Defaults[k] = v
		}
	}
	return out
}

// HasCapability reports whether the platform declares the given capability.
func (d Descriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Catalog is the external source of platform metadata.
type Catalog interface {
	Lookup(platformID string) (Descriptor, Constructor, error)
	Platforms() []string
}

type registration struct {
	descriptor  Descriptor
	constructor Constructor
}

// Registry maps platform identifiers to descriptors and constructors.
// It is loaded once and read-only afterward.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// RegisterTypes loads every requested platform from the catalog. Any failure
// aborts the load and leaves the registry unchanged.
func (r *Registry) RegisterTypes(catalog Catalog, platformIDs []string) error {
	if catalog == nil {
		return errors.NewError(errors.ErrCodeRegistrationFailed, "no platform catalog configured").
			WithComponent("platform-registry").
			WithOperation("register_types")
	}

	loaded := make(map[string]registration, len(platformIDs))
	for _, id := range platformIDs {
		if id == "" {
			return errors.NewError(errors.ErrCodeRegistrationFailed, "empty platform identifier").
				WithComponent("platform-registry").
				WithOperation("register_types")
		}
		if _, dup := loaded[id]; dup {
			return errors.Newf(errors.ErrCodeRegistrationFailed, "platform %s listed twice", id).
				WithContext("platform", id)
		}

		desc, ctor, err := catalog.Lookup(id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeRegistrationFailed, "failed to load platform type").
				WithComponent("platform-registry").
				WithOperation("register_types").
				WithContext("platform", id)
		}
		if ctor == nil {
			return errors.Newf(errors.ErrCodeRegistrationFailed, "platform %s has no constructor", id).
				WithContext("platform", id)
		}
		desc.PlatformID = id
		loaded[id] = registration{descriptor: desc.clone(), constructor: ctor}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, reg := range loaded {
		r.entries[id] = reg
	}
	return nil
}

func unknownPlatform(platformID string) *errors.FactoryError {
	return errors.Newf(errors.ErrCodeUnknownPlatform, "platform %q is not registered", platformID).
		WithComponent("platform-registry").
		WithContext("platform", platformID)
}

// Constructor returns the constructor registered for platformID.
func (r *Registry) Constructor(platformID string) (Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[platformID]
	if !ok {
		return nil, unknownPlatform(platformID).WithOperation("get_constructor")
	}
	return reg.constructor, nil
}

// Descriptor returns a copy of the descriptor registered for platformID.
func (r *Registry) Descriptor(platformID string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[platformID]
	if !ok {
		return Descriptor{}, unknownPlatform(platformID).WithOperation("get_descriptor")
	}
	return reg.descriptor.clone(), nil
}

// Has reports whether platformID is registered.
func (r *Registry) Has(platformID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[platformID]
	return ok
}

// Platforms returns the registered identifiers in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered platforms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reset drops every registration.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]registration)
}
