// Package hashcodec computes and validates the two artifact hash families
// the store recognises (§4.B): a 40-hex SHA-1 and a 64-hex SHA3-256.
package hashcodec

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"

	"github.com/gofossil/fossilgo/internal/config"
	"golang.org/x/crypto/sha3"
)

// Family identifies which hash algorithm produced a hash string.
type Family int

const (
	Unknown Family = iota
	SHA1           // 40 hex chars
	SHA3           // 64 hex chars
)

var hexRe = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// FamilyOf classifies a hash string by its length, per §4.I reconstruct's
// "compute the hash policy from the name length" rule.
func FamilyOf(hash string) Family {
	if !hexRe.MatchString(hash) {
		return Unknown
	}
	switch len(hash) {
	case 40:
		return SHA1
	case 64:
		return SHA3
	default:
		return Unknown
	}
}

// Valid reports whether hash is well-formed hex of a recognised length.
func Valid(hash string) bool {
	return FamilyOf(hash) != Unknown
}

// Compute returns the hex digest of content under the given family.
func Compute(family Family, content []byte) string {
	switch family {
	case SHA1:
		sum := sha1.Sum(content)
		return hex.EncodeToString(sum[:])
	case SHA3:
		sum := sha3.Sum256(content)
		return hex.EncodeToString(sum[:])
	default:
		panic("hashcodec: unknown family")
	}
}

// PolicyFamily maps a configured hash-policy to the "current" family used
// for newly created artifacts when there is no pre-existing collision to
// react to.
func PolicyFamily(policy config.HashPolicy) Family {
	switch policy {
	case config.PolicySHA1:
		return SHA1
	case config.PolicySHA3:
		return SHA3
	case config.PolicyAuto:
		fallthrough
	default:
		return SHA1
	}
}

// Other returns the non-chosen family of a two-family universe, used when
// the store must fall back after a same-flavour collision (§4.B).
func Other(f Family) Family {
	if f == SHA1 {
		return SHA3
	}
	return SHA1
}
