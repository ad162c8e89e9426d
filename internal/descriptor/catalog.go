package descriptor

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/buildkite/clientgrid/internal/clienterr"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

type catalogFile struct {
	Clients []Descriptor `yaml:"clients"`
}

// Catalog holds descriptors keyed by name. Registering a name again
// replaces the earlier descriptor.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Descriptor
}

func NewCatalog(descriptors ...Descriptor) (*Catalog, error) {
	c := &Catalog{entries: map[string]Descriptor{}}
	for _, d := range descriptors {
		if _, err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Default returns a catalog with the built-in descriptors.
func Default() (*Catalog, error) {
	descriptors, err := Parse(defaultCatalogYAML)
	if err != nil {
		return nil, fmt.Errorf("parse default catalog: %w", err)
	}
	return NewCatalog(descriptors...)
}

// Parse decodes a YAML catalog document of the form `clients: [...]`.
func Parse(b []byte) ([]Descriptor, error) {
	var file catalogFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, clienterr.Configuration("parse catalog", "%v", err)
	}
	return file.Clients, nil
}

// LoadCatalog reads path and registers its descriptors on top of the
// built-in ones. A missing file yields just the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	catalog, err := Default()
	if err != nil {
		return nil, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return catalog, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return catalog, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	descriptors, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, d := range descriptors {
		if _, err := catalog.Register(d); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return catalog, nil
}

// Prepare validates d and applies defaults without storing it.
func Prepare(d Descriptor) (Descriptor, error) {
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d.WithDefaults(), nil
}

// Register validates d, applies defaults and stores it. The stored copy is
// returned.
func (c *Catalog) Register(d Descriptor) (Descriptor, error) {
	d, err := Prepare(d)
	if err != nil {
		return Descriptor{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[d.Name] = d
	return d.Clone(), nil
}

func (c *Catalog) Get(name string) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[strings.TrimSpace(name)]
	if !ok {
		return Descriptor{}, clienterr.Configuration("get descriptor", "unsupported client %q (available: %s)", name, strings.Join(c.namesLocked(), ", "))
	}
	return d.Clone(), nil
}

// Names returns registered names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namesLocked()
}

func (c *Catalog) namesLocked() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List returns every descriptor sorted by name.
func (c *Catalog) List() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, 0, len(c.entries))
	for _, name := range c.namesLocked() {
		out = append(out, c.entries[name].Clone())
	}
	return out
}
