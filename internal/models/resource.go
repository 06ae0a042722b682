// Package models defines the records shared by the workflow components.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidResourceName is returned when a resource name cannot be parsed.
var ErrInvalidResourceName = errors.New("invalid resource name")

// ResourceType is the kind of resource a ResourceName addresses.
type ResourceType string

const (
	ResourceTypeEntry  ResourceType = "entry"
	ResourceTypeSource ResourceType = "source"
)

const (
	resourcePrefix    = "orn"
	resourceSeparator = "::"
)

// ResourceName is the typed, reversible handle used to address entries and
// sources between components. Its string form is orn::{type}::{id}.
type ResourceName struct {
	Type ResourceType
	ID   string
}

// EntryResource returns the resource name of an entry.
func EntryResource(id string) ResourceName {
	return ResourceName{Type: ResourceTypeEntry, ID: id}
}

// SourceResource returns the resource name of a source.
func SourceResource(id string) ResourceName {
	return ResourceName{Type: ResourceTypeSource, ID: id}
}

func (r ResourceName) String() string {
	return resourcePrefix + resourceSeparator + string(r.Type) + resourceSeparator + r.ID
}

// ParseResourceName parses the orn::{type}::{id} form.
func ParseResourceName(s string) (ResourceName, error) {
	parts := strings.Split(s, resourceSeparator)
	if len(parts) != 3 {
		return ResourceName{}, fmt.Errorf("%w: %q: expected 3 parts, got %d", ErrInvalidResourceName, s, len(parts))
	}
	if parts[0] != resourcePrefix {
		return ResourceName{}, fmt.Errorf("%w: %q: unknown prefix %q", ErrInvalidResourceName, s, parts[0])
	}

	typ := ResourceType(parts[1])
	if typ != ResourceTypeEntry && typ != ResourceTypeSource {
		return ResourceName{}, fmt.Errorf("%w: %q: unknown resource type %q", ErrInvalidResourceName, s, parts[1])
	}
	if parts[2] == "" {
		return ResourceName{}, fmt.Errorf("%w: %q: empty resource id", ErrInvalidResourceName, s)
	}
	return ResourceName{Type: typ, ID: parts[2]}, nil
}

// ParseResourceNames parses every name, failing on the first malformed one.
func ParseResourceNames(names []string) ([]ResourceName, error) {
	out := make([]ResourceName, 0, len(names))
	for _, n := range names {
		r, err := ParseResourceName(n)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ResourceStrings returns the string form of each name.
func ResourceStrings(names []ResourceName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n.String()
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (r ResourceName) MarshalText() ([]byte, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: empty resource id", ErrInvalidResourceName)
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ResourceName) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceName(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
