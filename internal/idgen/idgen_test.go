package idgen

import (
	"regexp"
	"testing"
)

func TestGenerate_Length(t *testing.T) {
	id, err := Generate(PrefixPayment)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	wantLen := len(PrefixPayment) + Length
	if len(id) != wantLen {
		t.Errorf("Generate() length = %d, want %d (id=%q)", len(id), wantLen, id)
	}
}

func TestGenerate_Prefixes(t *testing.T) {
	for _, prefix := range []string{PrefixWallet, PrefixTransaction, PrefixPayment} {
		id, err := Generate(prefix)
		if err != nil {
			t.Fatalf("Generate(%q) error: %v", prefix, err)
		}
		if id[:len(prefix)] != prefix {
			t.Errorf("Generate(%q) = %q, want prefix %q", prefix, id, prefix)
		}
	}
}

func TestGenerate_Charset(t *testing.T) {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(PrefixWallet) + `[a-zA-Z0-9]+$`)
	for i := 0; i < 100; i++ {
		id, err := Generate(PrefixWallet)
		if err != nil {
			t.Fatalf("Generate() error on iteration %d: %v", i, err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("Generate() = %q, does not match expected charset pattern", id)
		}
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := Generate(PrefixTransaction)
		if err != nil {
			t.Fatalf("Generate() error on iteration %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID after %d generations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}
