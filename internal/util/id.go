package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "fun_3f2a…". The prefix tells
// humans and log greps what kind of row an ID belongs to; 16 random bytes
// make collisions a non-concern.
func NewID(prefix string) string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	id := hex.EncodeToString(raw)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
