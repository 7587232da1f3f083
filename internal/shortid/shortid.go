// Package shortid generates the compact opaque identifiers used as the
// external handle for uploads and replays. An identifier is a UUIDv4
// encoded in a base57 alphabet, always exactly 22 characters long.
package shortid

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Alphabet excludes lookalike characters (0/O, 1/I/l).
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Length of every generated identifier.
const Length = 22

// New returns a fresh 22-character identifier.
func New() string {
	return Encode(uuid.New())
}

// Encode converts a UUID into its base57 short form, left-padded to
// the fixed length so key patterns stay uniform.
func Encode(u uuid.UUID) string {
	n := new(big.Int).SetBytes(u[:])
	base := big.NewInt(int64(len(alphabet)))
	rem := new(big.Int)

	var b strings.Builder
	b.Grow(Length)
	for n.Sign() > 0 {
		n.DivMod(n, base, rem)
		b.WriteByte(alphabet[rem.Int64()])
	}

	encoded := b.String()
	// Digits come out least-significant first.
	runes := []byte(encoded)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	out := string(runes)
	if len(out) < Length {
		out = strings.Repeat(string(alphabet[0]), Length-len(out)) + out
	}
	return out
}

// Valid reports whether s is a well-formed short identifier.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}
