// Package idgen generates identifiers for swarm entities. Everything
// that mints IDs takes a Generator value, so the strategy is chosen at
// wiring time. IDs carry a type prefix by convention: "req_" for
// requests, "gen_" for generation slots, "wrk_" for workers, "acc_"
// for accounts, "evt_" for events, "whk_" for webhook deliveries.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 builds a Generator of RFC 9562 v7 UUIDs, which sort by
// creation time.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// NanoID builds a Generator of short base-36 IDs, for handles where a
// UUID would be noise (QUIC session names).
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		raw := make([]byte, length)
		if _, err := rand.Read(raw); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		out := make([]byte, length)
		for i, c := range raw {
			out[i] = alphabet[int(c)%len(alphabet)]
		}
		return string(out)
	}
}

// Prefixed prepends a fixed type prefix to every ID from gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Default is what callers get when they don't care: UUIDv7.
var Default Generator = UUIDv7()

// New mints one ID from the Default generator.
func New() string { return Default() }

// Parse checks that s is a well-formed UUID and canonicalises it. Type
// prefixes must be stripped by the caller first.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
