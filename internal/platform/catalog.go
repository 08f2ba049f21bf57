package platform

import (
	"sort"
	"sync"

	"github.com/shelfsync/adapterfactory/pkg/errors"
)

// StaticCatalog is an in-memory Catalog populated at startup.
type StaticCatalog struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewStaticCatalog creates an empty catalog.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{entries: make(map[string]registration)}
}

// Add registers a platform. Duplicate identifiers are rejected.
func (c *StaticCatalog) Add(desc Descriptor, ctor Constructor) error {
	if desc.PlatformID == "" {
		return errors.NewError(errors.ErrCodeRegistrationFailed, "platform descriptor has no identifier")
	}
	if ctor == nil {
		return errors.Newf(errors.ErrCodeRegistrationFailed, "platform %s has no constructor", desc.PlatformID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.entries[desc.PlatformID]; dup {
		return errors.Newf(errors.ErrCodeRegistrationFailed, "platform %s already in catalog", desc.PlatformID)
	}
	c.entries[desc.PlatformID] = registration{descriptor: desc.clone(), constructor: ctor}
	return nil
}

// Lookup implements Catalog.
func (c *StaticCatalog) Lookup(platformID string) (Descriptor, Constructor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	reg, ok := c.entries[platformID]
	if !ok {
		return Descriptor{}, nil, unknownPlatform(platformID).WithOperation("catalog_lookup")
	}
	return reg.descriptor.clone(), reg.constructor, nil
}

// Platforms implements Catalog.
func (c *StaticCatalog) Platforms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Spec declares one platform by driver name, as read from configuration.
type Spec struct {
	ID           string
	Driver       string
	Version      string
	Capabilities []string
	Defaults     map[string]interface{}
}

// BuildCatalog resolves each spec's driver against drivers and returns the
// resulting catalog. An unknown driver fails the whole build.
func BuildCatalog(specs []Spec, drivers map[string]Constructor) (*StaticCatalog, error) {
	catalog := NewStaticCatalog()
	for _, spec := range specs {
		ctor, ok := drivers[spec.Driver]
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "platform %s uses unknown driver %q", spec.ID, spec.Driver).
				WithComponent("platform-catalog").
				WithContext("platform", spec.ID)
		}
		desc := Descriptor{
			PlatformID:   spec.ID,
			Version:      spec.Version,
			Capabilities: spec.Capabilities,
			Defaults:     spec.Defaults,
		}
		if err := catalog.Add(desc, ctor); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}
