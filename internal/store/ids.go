package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// newID returns a prefixed ID whose lexicographic order matches creation
// order: 12 hex chars of millisecond timestamp followed by 8 random hex chars.
func newID(prefix string) string {
	var tail [4]byte
	rand.Read(tail[:])
	ms := time.Now().UnixMilli()
	return fmt.Sprintf("%s_%012x%s", prefix, ms, hex.EncodeToString(tail[:]))
}

// NewJobID generates an ID for a job row.
func NewJobID() string {
	return newID("job")
}

// NewEntryID generates an ID for a ledger entry.
func NewEntryID() string {
	return newID("ent")
}
