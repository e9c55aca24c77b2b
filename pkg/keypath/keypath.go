// Package keypath implements the key-specifier path format used to name
// entries in a keystore: a nonempty `/`-separated sequence of components,
// each restricted to alphanumerics and the characters `-`, `_`, `.` (never
// as the first or last character, and never as a `..` run), with the last
// component optionally carrying a `+`-separated denotator suffix validated
// by the same rules.
package keypath

import (
	"strings"
	"unicode"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
)

const (
	pathSeparator      = "/"
	denotatorSeparator = "+"
)

// middleOnly lists characters that are allowed within a component but not
// as its first or last character.
var middleOnly = map[rune]bool{'-': true, '_': true, '.': true}

// Path is a validated key-specifier path.
type Path struct {
	raw        string
	components []string
	denotator  string
	hasDenot   bool
}

// Parse validates raw and returns the corresponding Path.
func Parse(raw string) (*Path, error) {
	if raw == "" {
		return nil, torerrors.ConfigurationError("empty key path", nil)
	}

	body := raw
	denotator := ""
	hasDenot := false
	lastComponentStart := strings.LastIndex(raw, pathSeparator) + 1
	lastComponent := raw[lastComponentStart:]
	if idx := strings.Index(lastComponent, denotatorSeparator); idx >= 0 {
		candidate := lastComponent[idx+1:]
		if err := validateComponent(candidate); err != nil {
			return nil, torerrors.ConfigurationError("invalid key path denotator", err)
		}
		body = raw[:lastComponentStart+idx]
		denotator = candidate
		hasDenot = true
	}

	components := strings.Split(body, pathSeparator)
	for _, c := range components {
		if err := validateComponent(c); err != nil {
			return nil, err
		}
	}

	return &Path{raw: raw, components: components, denotator: denotator, hasDenot: hasDenot}, nil
}

// String returns the original path text.
func (p *Path) String() string { return p.raw }

// Components returns the path's `/`-separated components, excluding any
// denotator suffix on the last one.
func (p *Path) Components() []string {
	out := make([]string, len(p.components))
	copy(out, p.components)
	return out
}

// Denotator returns the denotator suffix of the last component, if any.
func (p *Path) Denotator() (string, bool) {
	return p.denotator, p.hasDenot
}

// validateComponent checks a single `/`-separated (or denotator) component
// against the character-class and placement rules.
func validateComponent(s string) error {
	if s == "" {
		return torerrors.ConfigurationError("empty key path component", nil)
	}
	for _, c := range s {
		if !isAllowedChar(c) {
			return torerrors.ConfigurationError("disallowed character in key path component", nil)
		}
	}
	if strings.Contains(s, "..") {
		return torerrors.ConfigurationError("key path component contains a path traversal sequence", nil)
	}
	runes := []rune(s)
	if middleOnly[runes[0]] || middleOnly[runes[len(runes)-1]] {
		return torerrors.ConfigurationError("key path component cannot start or end with -, _, or .", nil)
	}
	return nil
}

func isAllowedChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '-' || c == '_' || c == '.'
}
