package txfile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StoragePath is an absolute, slash-delimited hierarchical key such as
// /revision/37/change. Every component is a non-empty ASCII identifier
// (letters, digits, underscore).
type StoragePath string

var componentPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ParsePath validates s and returns it as a StoragePath.
func ParsePath(s string) (StoragePath, error) {
	if !strings.HasPrefix(s, "/") || s == "/" {
		return "", fmt.Errorf("%w: path must be absolute and non-root: %q", ErrBadValue, s)
	}
	for _, comp := range strings.Split(s[1:], "/") {
		if !componentPattern.MatchString(comp) {
			return "", fmt.Errorf("%w: bad path component %q in %q", ErrBadValue, comp, s)
		}
	}
	return StoragePath(s), nil
}

// MustPath is ParsePath that panics; for static path literals.
func MustPath(s string) StoragePath {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate re-checks the path's shape.
func (p StoragePath) Validate() error {
	_, err := ParsePath(string(p))
	return err
}

// Join appends components to the path; each component is validated.
func (p StoragePath) Join(components ...string) (StoragePath, error) {
	out := string(p)
	for _, comp := range components {
		if !componentPattern.MatchString(comp) {
			return "", fmt.Errorf("%w: bad path component %q", ErrBadValue, comp)
		}
		out += "/" + comp
	}
	return StoragePath(out), nil
}

// JoinInt appends a decimal component.
func (p StoragePath) JoinInt(n int) StoragePath {
	return StoragePath(string(p) + "/" + strconv.Itoa(n))
}

// Components splits the path into its component names.
func (p StoragePath) Components() []string {
	return strings.Split(strings.TrimPrefix(string(p), "/"), "/")
}

// LastComponent returns the final component name.
func (p StoragePath) LastComponent() string {
	comps := p.Components()
	return comps[len(comps)-1]
}

// IsUnder reports whether the path is a strict descendant of parent.
func (p StoragePath) IsUnder(parent StoragePath) bool {
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// ChildOf returns the full path of the direct child of parent on the way to
// p, and whether p is under parent at all. For p=/a/b/c, parent=/a it
// returns /a/b.
func (p StoragePath) ChildOf(parent StoragePath) (StoragePath, bool) {
	if !p.IsUnder(parent) {
		return "", false
	}
	rest := strings.TrimPrefix(string(p), string(parent)+"/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return StoragePath(string(parent) + "/" + rest), true
}
