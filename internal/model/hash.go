// Package model defines the in-memory directory model shared by the inode
// layer and the overlay: source-control hashes, tree listings and the
// per-directory Dir/Entry records.
package model

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// HashSize is the length of a SHA-1 object id in bytes.
const HashSize = 20

// Hash identifies an immutable source-control object (tree or blob). It has
// the layout of plumbing.Hash and converts to it directly; the distinct type
// carries the text encoding used in overlay snapshots.
type Hash plumbing.Hash

// ZeroHash is the hash with all bytes zero. It never names a real object.
var ZeroHash Hash

// ParseHash decodes a 40 character hex string.
func ParseHash(s string) (Hash, error) {
	if !plumbing.IsHash(s) {
		return ZeroHash, fmt.Errorf("invalid hash %q: want %d hex chars", s, HashSize*2)
	}
	return Hash(plumbing.NewHash(s)), nil
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return plumbing.Hash(h).String()
}

// IsZero reports whether h is ZeroHash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// MarshalText implements encoding.TextMarshaler so snapshots store hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
