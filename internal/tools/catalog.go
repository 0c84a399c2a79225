// ABOUTME: Static tool catalog mapping tool names to descriptors
// ABOUTME: Built once at startup; duplicate names or invalid permissions are fatal

package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/2389/toolgate/internal/permission"
)

// ErrDuplicateTool is returned when two descriptors share a name.
var ErrDuplicateTool = errors.New("duplicate tool")

// ErrInvalidDescriptor is returned for descriptors that cannot be registered.
var ErrInvalidDescriptor = errors.New("invalid tool descriptor")

// Descriptor describes a single permission-gated tool.
type Descriptor struct {
	Name        string
	Description string
	Required    permission.Permission

	// params is the struct type that arguments decode into.
	params reflect.Type
	schema *jsonschema.Schema
	raw    json.RawMessage
}

// Schema returns the reflected JSON schema of the tool's parameters.
func (d *Descriptor) Schema() json.RawMessage {
	return d.raw
}

// Define builds a descriptor whose parameters are described by the struct
// type of proto. proto may be a struct value or a pointer to one.
func Define(name, description string, required permission.Permission, proto any) (*Descriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if !required.Valid() {
		return nil, fmt.Errorf("%w: tool %q requires unknown permission %d", ErrInvalidDescriptor, name, required)
	}

	t := reflect.TypeOf(proto)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: tool %q parameters must be a struct", ErrInvalidDescriptor, name)
	}

	schema := reflectSchema(t)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshaling schema for %q: %w", name, err)
	}

	return &Descriptor{
		Name:        name,
		Description: description,
		Required:    required,
		params:      t,
		schema:      schema,
		raw:         raw,
	}, nil
}

// MustDefine is Define for package-level catalogs; it panics on error.
func MustDefine(name, description string, required permission.Permission, proto any) *Descriptor {
	d, err := Define(name, description, required, proto)
	if err != nil {
		panic(err)
	}
	return d
}

// WithRequired returns a copy of d gated on a different permission.
func (d *Descriptor) WithRequired(p permission.Permission) *Descriptor {
	cp := *d
	cp.Required = p
	return &cp
}

// Catalog is an immutable, ordered set of tool descriptors.
type Catalog struct {
	order  []*Descriptor
	byName map[string]*Descriptor
}

// NewCatalog validates and indexes the given descriptors.
func NewCatalog(descriptors ...*Descriptor) (*Catalog, error) {
	c := &Catalog{
		order:  make([]*Descriptor, 0, len(descriptors)),
		byName: make(map[string]*Descriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		if d == nil {
			return nil, fmt.Errorf("%w: nil descriptor", ErrInvalidDescriptor)
		}
		if !d.Required.Valid() {
			return nil, fmt.Errorf("%w: tool %q requires unknown permission %d", ErrInvalidDescriptor, d.Name, d.Required)
		}
		if _, exists := c.byName[d.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTool, d.Name)
		}
		c.byName[d.Name] = d
		c.order = append(c.order, d)
	}
	return c, nil
}

// Lookup returns the descriptor for name.
func (c *Catalog) Lookup(name string) (*Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// List returns all descriptors in registration order.
func (c *Catalog) List() []*Descriptor {
	out := make([]*Descriptor, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of tools in the catalog.
func (c *Catalog) Len() int {
	return len(c.order)
}

// Restrict returns a catalog containing only the named tools, in the given
// order, with optional permission overrides. Unknown names are an error.
func (c *Catalog) Restrict(names []string, overrides map[string]permission.Permission) (*Catalog, error) {
	if len(names) == 0 {
		names = make([]string, len(c.order))
		for i, d := range c.order {
			names[i] = d.Name
		}
	}

	selected := make([]*Descriptor, 0, len(names))
	for _, name := range names {
		d, ok := c.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown tool %q", ErrInvalidDescriptor, name)
		}
		if p, ok := overrides[name]; ok {
			d = d.WithRequired(p)
		}
		selected = append(selected, d)
	}
	for name := range overrides {
		if _, ok := c.byName[name]; !ok {
			return nil, fmt.Errorf("%w: permission override for unknown tool %q", ErrInvalidDescriptor, name)
		}
	}
	return NewCatalog(selected...)
}
