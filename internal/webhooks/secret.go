package webhooks

import (
	"crypto/rand"
	"encoding/hex"
)

// SecretPrefix marks webhook signing secrets so they are recognizable in
// configuration and logs.
const SecretPrefix = "whsec_"

// NewSecret generates a fresh signing secret. The plain value is returned to
// the caller exactly once, at create or rotate time.
func NewSecret() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return SecretPrefix + hex.EncodeToString(b)
}
