package offline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// TempIDPrefix marks identifiers generated on the device for records the server
// has not assigned an id to yet.
const TempIDPrefix = "tmp-"

// NewTempID returns a client-generated temporary record id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewEntryID returns a fresh queue entry id.
func NewEntryID() string {
	return "q-" + uuid.NewString()
}

// NewMediaID returns a fresh media blob id.
func NewMediaID() string {
	return "m-" + uuid.NewString()
}

// NewIdempotencyKey returns a key the server uses to collapse duplicate deliveries.
func NewIdempotencyKey() string {
	return "idem-" + uuid.NewString()
}

// ContentHash returns the hex sha-256 of b.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
