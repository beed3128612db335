// Package fingerprint derives deterministic cache keys from the semantic
// content of a request.
//
// A key is built from named fields. Field order does not matter, map entries
// are sorted and every value is typed, so "5" and 5 never collide. The
// canonical form is msgpack, hashed with sha256:
//
//	key := fingerprint.New("destinations").
//		Str("theme", "Sports").
//		Int("count", 5).
//		Bool("activities", true).
//		Key()
//	// destinations:v1:3f0c...
//
// Building a key performs no I/O and uses no randomness.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is bumped whenever the canonical encoding changes, which
// invalidates every previously written key.
const Version = "v1"

type field struct {
	name  string
	kind  byte
	value interface{}
}

const (
	kindString byte = 's'
	kindInt    byte = 'i'
	kindBool   byte = 'b'
	kindFloat  byte = 'f'
	kindMap    byte = 'm'
)

// Builder accumulates typed fields for one key. The zero value is not usable,
// call New.
type Builder struct {
	namespace string
	fields    map[string]field
}

// New returns a Builder whose keys are prefixed with namespace.
func New(namespace string) *Builder {
	return &Builder{namespace: namespace, fields: map[string]field{}}
}

// Str adds a string field. Setting the same name twice keeps the last value.
func (b *Builder) Str(name, value string) *Builder {
	b.fields[name] = field{name, kindString, value}
	return b
}

// Int adds an integer field.
func (b *Builder) Int(name string, value int) *Builder {
	b.fields[name] = field{name, kindInt, int64(value)}
	return b
}

// Bool adds a boolean field.
func (b *Builder) Bool(name string, value bool) *Builder {
	b.fields[name] = field{name, kindBool, value}
	return b
}

// Float adds a floating point field. -0 and +0 are the same value.
func (b *Builder) Float(name string, value float64) *Builder {
	if value == 0 {
		value = 0
	}
	b.fields[name] = field{name, kindFloat, value}
	return b
}

// Strings adds a string map field. A nil map and an empty map are the same.
func (b *Builder) Strings(name string, value map[string]string) *Builder {
	if value == nil {
		value = map[string]string{}
	}
	b.fields[name] = field{name, kindMap, value}
	return b
}

// Key returns "<namespace>:<version>:<hex sha256>".
func (b *Builder) Key() string {
	return b.namespace + ":" + Version + ":" + hex.EncodeToString(b.Sum())
}

// Sum returns the raw digest of the canonical encoding.
func (b *Builder) Sum() []byte {
	names := make([]string, 0, len(b.fields))
	for name := range b.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	enc := msgpack.NewEncoder(h)
	enc.SetSortMapKeys(true)
	// encoding into a hash.Hash cannot fail for these value types
	_ = enc.EncodeString(b.namespace)
	_ = enc.EncodeString(Version)
	_ = enc.EncodeArrayLen(len(names))
	for _, name := range names {
		f := b.fields[name]
		_ = enc.EncodeArrayLen(3)
		_ = enc.EncodeString(f.name)
		_ = enc.EncodeUint8(f.kind)
		_ = enc.Encode(f.value)
	}
	return h.Sum(nil)
}
