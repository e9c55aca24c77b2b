package keypath

import (
	"strconv"
	"strings"
)

// Specifier builds a key path declaratively from a fixed prefix, a role,
// and the ordered field values that distinguish one key of that role from
// another. The formatted path is prefix/field.../role, with the optional
// denotator appended to the role as +denotator.
type Specifier struct {
	prefix    string
	role      string
	fields    []string
	denotator string
	hasDenot  bool
}

// NewSpecifier builds a Specifier with the given prefix, role, and
// ordered fields.
func NewSpecifier(prefix, role string, fields ...string) *Specifier {
	return &Specifier{prefix: prefix, role: role, fields: fields}
}

// WithDenotator sets the denotator suffix appended to the role component.
func (s *Specifier) WithDenotator(denotator string) *Specifier {
	s.denotator = denotator
	s.hasDenot = true
	return s
}

// WithDenotatorUint is WithDenotator for the common numeric case.
func (s *Specifier) WithDenotatorUint(n uint64) *Specifier {
	return s.WithDenotator(strconv.FormatUint(n, 10))
}

// Format joins prefix, fields, and role with "/" and appends the
// denotator, if set, as "+denotator".
func (s *Specifier) Format() string {
	parts := make([]string, 0, len(s.fields)+2)
	parts = append(parts, s.prefix)
	parts = append(parts, s.fields...)
	parts = append(parts, s.role)
	out := strings.Join(parts, pathSeparator)
	if s.hasDenot {
		out += denotatorSeparator + s.denotator
	}
	return out
}

// Path validates the formatted specifier and returns it as a Path.
func (s *Specifier) Path() (*Path, error) {
	return Parse(s.Format())
}
