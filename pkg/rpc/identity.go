package rpc

import (
	"fmt"
	"strings"
)

// Identity names a remotely addressable object independently of where
// (or whether) it is currently instantiated.
//
// Category groups identities that share a servant locator; an empty
// category selects the default locator.
type Identity struct {
	Category string
	Name     string
}

// String renders the identity as "category/name", or just "name" when the
// category is empty. Slashes inside either part are escaped with a backslash.
func (id Identity) String() string {
	name := escapeIdentityPart(id.Name)
	if id.Category == "" {
		return name
	}
	return escapeIdentityPart(id.Category) + "/" + name
}

// Key returns a stable byte key suitable for persistent stores.
// The category and name are separated by a NUL byte, which neither may contain.
func (id Identity) Key() []byte {
	key := make([]byte, 0, len(id.Category)+1+len(id.Name))
	key = append(key, id.Category...)
	key = append(key, 0)
	key = append(key, id.Name...)
	return key
}

// IsZero reports whether the identity has no name.
func (id Identity) IsZero() bool {
	return id.Name == ""
}

// Less orders identities by category, then name.
func (id Identity) Less(other Identity) bool {
	if id.Category != other.Category {
		return id.Category < other.Category
	}
	return id.Name < other.Name
}

// IdentityFromKey is the inverse of Identity.Key.
func IdentityFromKey(key []byte) (Identity, error) {
	for i, b := range key {
		if b == 0 {
			return Identity{Category: string(key[:i]), Name: string(key[i+1:])}, nil
		}
	}
	return Identity{}, fmt.Errorf("malformed identity key %q", key)
}

// ParseIdentity parses the String form of an identity.
func ParseIdentity(s string) (Identity, error) {
	var (
		parts   []string
		current strings.Builder
		escaped bool
	)

	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '/':
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if escaped {
		return Identity{}, fmt.Errorf("identity %q: trailing escape", s)
	}
	parts = append(parts, current.String())

	var id Identity
	switch len(parts) {
	case 1:
		id.Name = parts[0]
	case 2:
		id.Category, id.Name = parts[0], parts[1]
	default:
		return Identity{}, fmt.Errorf("identity %q: too many slashes", s)
	}

	if id.Name == "" {
		return Identity{}, fmt.Errorf("identity %q: empty name", s)
	}
	return id, nil
}

func escapeIdentityPart(s string) string {
	if !strings.ContainsAny(s, `/\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if r == '/' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
