package model

import "sync"

// AttributeType is the part of an attribute definition replication cares about
type AttributeType struct {
	Name         string
	SingleValued bool
}

// Schema answers whether an attribute type is single-valued.
type Schema struct {
	mu    sync.RWMutex
	types map[string]AttributeType
}

// NewSchema creates a schema with the given types
func NewSchema(types ...AttributeType) *Schema {
	s := &Schema{types: make(map[string]AttributeType)}
	for _, t := range types {
		s.Define(t)
	}
	return s
}

// DefaultSchema returns the single-valued user attributes of the standard schema
func DefaultSchema() *Schema {
	return NewSchema(
		AttributeType{Name: "displayname", SingleValued: true},
		AttributeType{Name: "employeenumber", SingleValued: true},
		AttributeType{Name: "preferredlanguage", SingleValued: true},
		AttributeType{Name: EntryUUIDAttributeName, SingleValued: true},
	)
}

// Define adds or replaces an attribute type
func (s *Schema) Define(t AttributeType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Name = BaseAttributeName(t.Name)
	s.types[t.Name] = t
}

// IsSingleValued reports whether the type of the attribute description is single-valued.
// Unknown types are multi-valued.
func (s *Schema) IsSingleValued(name string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types[BaseAttributeName(name)].SingleValued
}
