// Package fingerprint computes a stable digest of a request payload, used
// to detect "same idempotency key, different payload" (spec.md §7's
// IDEMPOTENCY_CONFLICT) without storing the full request body twice.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Of returns a hex-encoded SHA-256 digest of v's JSON encoding. Two
// values that marshal to the same JSON produce the same fingerprint;
// this is sufficient for detecting a reused idempotency key submitted
// with a materially different request, not a general canonicalization
// guarantee across languages or field reordering.
func Of(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal: %w", err)
	}

	sum := sha256.Sum256(encoded)

	return hex.EncodeToString(sum[:]), nil
}
