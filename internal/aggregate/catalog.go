// Package aggregate merges configured services and ad-hoc systemd units into
// one ordered status view, and routes lifecycle actions to adapters.
package aggregate

import (
	"strings"

	"github.com/juju/errors"

	"servicedeck/internal/service"
)

// Entry binds a configured spec to its adapter instance.
type Entry struct {
	Spec    service.Spec
	Adapter service.Adapter
}

// Catalog is an immutable, ordered snapshot of configured services.
// A reload builds a new Catalog; nothing mutates an existing one.
type Catalog struct {
	entries []Entry
	index   map[string]int
}

// BuildCatalog creates an adapter for every spec in order. Keys must be
// non-empty and unique. The first configuration error fails the whole build.
func BuildCatalog(reg *service.Registry, specs []service.Spec) (*Catalog, error) {
	if reg == nil {
		return nil, errors.NotValidf("nil adapter registry")
	}
	c := &Catalog{
		entries: make([]Entry, 0, len(specs)),
		index:   make(map[string]int, len(specs)),
	}
	for i, spec := range specs {
		spec.Key = strings.TrimSpace(spec.Key)
		if spec.Key == "" {
			return nil, service.ConfigError("services[%d]: empty key", i)
		}
		if _, dup := c.index[spec.Key]; dup {
			return nil, service.ConfigError("services[%d]: duplicate key %q", i, spec.Key)
		}
		if strings.TrimSpace(spec.Name) == "" {
			spec.Name = service.TitleCase(spec.Key)
		}
		a, err := reg.Create(spec)
		if err != nil {
			return nil, errors.Trace(err)
		}
		c.index[spec.Key] = len(c.entries)
		c.entries = append(c.entries, Entry{Spec: spec, Adapter: a})
	}
	return c, nil
}

// NewCatalog wraps prebuilt entries, mostly for tests and embedders that
// construct adapters themselves.
func NewCatalog(entries ...Entry) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(entries))}
	for i, e := range entries {
		if e.Spec.Key == "" || e.Adapter == nil {
			return nil, service.ConfigError("entry %d: key and adapter are required", i)
		}
		if _, dup := c.index[e.Spec.Key]; dup {
			return nil, service.ConfigError("duplicate key %q", e.Spec.Key)
		}
		c.index[e.Spec.Key] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c, nil
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Entries returns a copy in configuration order.
func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	return append([]Entry(nil), c.entries...)
}

func (c *Catalog) Lookup(key string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	i, ok := c.index[key]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

func (c *Catalog) Keys() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Spec.Key
	}
	return out
}

// unitOf returns the systemd unit a spec is associated with: metadata
// "unit" first, then the adapter's "unit" param.
func unitOf(spec service.Spec) string {
	if u := strings.TrimSpace(spec.Metadata.GetString("unit")); u != "" {
		return u
	}
	return spec.Params.String("unit")
}
