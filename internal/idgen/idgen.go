// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Entity prefixes keep IDs self-describing in logs and transfer narrations.
const (
	PrefixWallet      = "wal-"
	PrefixTransaction = "txn-"
	PrefixPayment     = "pay-"
)

// Alphabet defines the character set used for the random portion of the ID.
// Payment IDs ride inside bank transfer narrations, so the set stays strictly
// alphanumeric on top of the prefix dash.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 10

// Generate returns a new unique ID with the given entity prefix.
func Generate(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
