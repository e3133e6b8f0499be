package blink

import (
	"bytes"

	"github.com/sushant-115/xtcdb/core/indexing/field"
)

// PrefixPolicy adds prefix-aware maintenance to a tree whose pages are front
// coded. When the last key sharing a routing prefix is deleted, a placeholder
// for the prefix keeps range lookups on that prefix routed correctly; the
// placeholder disappears as soon as a key with the prefix is inserted again.
type PrefixPolicy interface {
	// Prefix returns the routing prefix of key, or nil if key has none.
	Prefix(key []byte) []byte
	// Subsumes reports whether the entry (key, value) keeps prefix routable.
	Subsumes(key, value, prefix []byte) bool
	// Placeholder returns the synthetic entry standing in for prefix. It
	// must sort immediately before every key with that prefix.
	Placeholder(prefix []byte) (key, value []byte)
	// IsPlaceholder reports whether (key, value) was made by Placeholder.
	IsPlaceholder(key, value []byte) bool
}

// DeweyPolicy is the PrefixPolicy of element indexes keyed by DeweyIDs: the
// prefix of a node is its parent, and the placeholder of a parent is the
// parent id with an empty value. Real entries of such an index must carry
// non-empty values.
type DeweyPolicy struct{}

var _ PrefixPolicy = DeweyPolicy{}

func (DeweyPolicy) Prefix(key []byte) []byte { return field.DeweyParent(key) }

func (DeweyPolicy) Subsumes(key, _, prefix []byte) bool {
	return bytes.HasPrefix(key, prefix)
}

func (DeweyPolicy) Placeholder(prefix []byte) ([]byte, []byte) {
	return append([]byte{}, prefix...), nil
}

func (DeweyPolicy) IsPlaceholder(_, value []byte) bool { return len(value) == 0 }
