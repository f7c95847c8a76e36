// Package idgen provides pluggable ID generation for sheetledger.
//
// Constructors that mint identifiers (audit, vtq publishers, the
// reconciliation engine) accept a Generator so tests can pin IDs.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Used for identifiers that humans see in a spreadsheet cell.
func NanoID(length int) Generator {
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = base36[int(buf[i])%len(base36)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// StableIDPrefix marks identifiers written back into spreadsheet rows.
const StableIDPrefix = "TX-"

// StableID returns the generator for row stable identifiers: "TX-" followed
// by ten upper-case base-36 characters. Upper case survives spreadsheet
// auto-capitalisation unchanged.
func StableID() Generator {
	inner := NanoID(10)
	return func() string {
		return StableIDPrefix + strings.ToUpper(inner())
	}
}

// IsStableID reports whether s looks like an identifier minted by StableID.
// Cells edited by hand into something else are treated as "no identifier".
func IsStableID(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, StableIDPrefix) || len(s) != len(StableIDPrefix)+10 {
		return false
	}
	for _, r := range s[len(StableIDPrefix):] {
		if !strings.ContainsRune(base36, r) && !(r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// Default is UUIDv7: time-sortable, globally unique.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns it or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
