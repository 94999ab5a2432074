package idempotency

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var canonical = mustEncMode()

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("idempotency: cbor enc mode: %v", err))
	}
	return mode
}

// Fingerprint hashes the deterministic CBOR encoding of payload with BLAKE3.
// Map key order does not affect the result.
func Fingerprint(payload any) (string, error) {
	encoded, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint payload: %w", err)
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
