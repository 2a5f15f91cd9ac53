// Package catalog holds the equipment-type and storage-location
// reference data the engine validates against. Definitions are written
// in CUE and loaded from a directory at startup.
package catalog

import (
	"fmt"
	"sort"
)

// Type is one equipment type definition.
type Type struct {
	ID      string
	Display string
	// Prefix seeds generated equipment codes (PMP-0001).
	Prefix string
}

// Location is one storage location definition.
type Location struct {
	ID      string
	Display string
	// Default marks the location units return to when no home location
	// is recorded. Exactly one location carries it.
	Default bool
}

// Catalog is the loaded reference data. Immutable after Load.
type Catalog struct {
	types     map[string]Type
	locations map[string]Location
	defaultID string
}

// HasType reports whether the type id is defined.
func (c *Catalog) HasType(id string) bool {
	_, ok := c.types[id]
	return ok
}

// CodePrefix returns the code prefix for a type, or "" if unknown.
func (c *Catalog) CodePrefix(typeID string) string {
	return c.types[typeID].Prefix
}

// HasLocation reports whether the location id is defined.
func (c *Catalog) HasLocation(id string) bool {
	_, ok := c.locations[id]
	return ok
}

// DefaultLocationID returns the designated default storage location.
func (c *Catalog) DefaultLocationID() string {
	return c.defaultID
}

// Types returns all type definitions ordered by id.
func (c *Catalog) Types() []Type {
	out := make([]Type, 0, len(c.types))
	for _, t := range c.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Locations returns all location definitions ordered by id.
func (c *Catalog) Locations() []Location {
	out := make([]Location, 0, len(c.locations))
	for _, l := range c.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// validate enforces the cross-definition rules: a non-empty unique
// prefix per type and exactly one default location.
func (c *Catalog) validate() []error {
	var errs []error

	prefixOwner := make(map[string]string)
	for _, t := range c.Types() {
		if t.Prefix == "" {
			errs = append(errs, &LoadError{
				Code:    ErrCodeTypePrefix,
				Message: fmt.Sprintf("type %q has no code prefix", t.ID),
			})
			continue
		}
		if owner, taken := prefixOwner[t.Prefix]; taken {
			errs = append(errs, &LoadError{
				Code:    ErrCodeTypePrefix,
				Message: fmt.Sprintf("types %q and %q share code prefix %q", owner, t.ID, t.Prefix),
			})
			continue
		}
		prefixOwner[t.Prefix] = t.ID
	}

	var defaults []string
	for _, l := range c.Locations() {
		if l.Default {
			defaults = append(defaults, l.ID)
		}
	}
	switch len(defaults) {
	case 0:
		errs = append(errs, &LoadError{
			Code:    ErrCodeNoDefault,
			Message: "no location marked default",
		})
	case 1:
		c.defaultID = defaults[0]
	default:
		errs = append(errs, &LoadError{
			Code:    ErrCodeManyDefaults,
			Message: fmt.Sprintf("multiple locations marked default: %v", defaults),
		})
	}
	return errs
}
