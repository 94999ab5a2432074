package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Reference prefixes.
const (
	PrefixDeposit  = "DEP"
	PrefixTransfer = "TRF"
)

// NewReference builds a globally unique reference such as
// TRF_1718000000_9f86d081884c7d65.
func NewReference(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("ledger: read random reference suffix: %v", err))
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UTC().Unix(), hex.EncodeToString(buf))
}

// HasPrefix reports whether reference was generated with prefix.
func HasPrefix(reference, prefix string) bool {
	return strings.HasPrefix(reference, prefix+"_")
}
