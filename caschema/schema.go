// Package caschema describes the distributed object classes
// that clients may see, and the fields they may send and receive.
//
// A [*Schema] is built once, from a YAML document or a [Def] literal,
// and is immutable afterwards; it is safe for concurrent use.
package caschema

import (
	"iter"
	"slices"
)

// Schema is the full set of classes known to the agent.
type Schema struct {
	hash uint32

	classes     []*Class
	classByName map[string]*Class

	fields []*Field
}

// Hash identifies the schema.
// Legacy clients must present the same value in their hello.
func (s *Schema) Hash() uint32 {
	return s.hash
}

// Class returns the class with the given ID, or nil.
func (s *Schema) Class(id uint16) *Class {
	if int(id) >= len(s.classes) {
		return nil
	}
	return s.classes[id]
}

// ClassByName returns the class with the given name, or nil.
func (s *Schema) ClassByName(name string) *Class {
	return s.classByName[name]
}

func (s *Schema) NumClasses() int {
	return len(s.classes)
}

// Classes iterates the classes in ID order.
func (s *Schema) Classes() iter.Seq[*Class] {
	return slices.Values(s.classes)
}

// Field returns the field with the given schema-wide ID, or nil.
func (s *Schema) Field(id uint16) *Field {
	if int(id) >= len(s.fields) {
		return nil
	}
	return s.fields[id]
}

func (s *Schema) NumFields() int {
	return len(s.fields)
}

// Class is a distributed object class.
type Class struct {
	ID   uint16
	Name string

	// Optional parent class whose fields are inherited.
	Parent *Class

	// Inherited fields first, then the class's own, in declaration order.
	fields []*Field

	byID   map[uint16]*Field
	byName map[string]*Field
}

func (c *Class) String() string {
	return c.Name
}

// Field returns the field with the given ID if c has it, including inherited fields.
func (c *Class) Field(id uint16) *Field {
	return c.byID[id]
}

// FieldByName returns the named field if c has it, including inherited fields.
func (c *Class) FieldByName(name string) *Field {
	return c.byName[name]
}

// Fields iterates every field of c.
func (c *Class) Fields() iter.Seq[*Field] {
	return slices.Values(c.fields)
}

func (c *Class) NumFields() int {
	return len(c.fields)
}

// Inherits reports whether c is other or descends from it.
func (c *Class) Inherits(other *Class) bool {
	for x := c; x != nil; x = x.Parent {
		if x == other {
			return true
		}
	}
	return false
}
