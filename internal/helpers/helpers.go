package helpers

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
)

// GenerateNonce returns byteLen bytes of cryptographically secure randomness,
// hex encoded (twice byteLen characters). The only failure mode is entropy
// source exhaustion.
func GenerateNonce(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// NormalizeScopes sorts and deduplicates a scope list.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Subset reports whether every element of sub is present in super.
func Subset(sub, super []string) bool {
	set := make(map[string]struct{}, len(super))
	for _, s := range super {
		set[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
