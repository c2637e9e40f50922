// Package secret generates high-entropy random secrets and produces and
// verifies irreversible, salted hashes of them.
//
// Raw secrets are handed out exactly once; only their hashes are meant to be
// persisted.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultSize is the default for Codec.Size.
const DefaultSize = 24

// Codec generates, hashes and verifies secrets.
// A zero value is a valid Codec, see DefaultSize and bcrypt.DefaultCost.
type Codec struct {
	// Cost is the bcrypt cost used by Hash.
	Cost int

	// Size tells how many random bytes to use for generated secrets.
	// The actual secret is unpadded URL-safe base64, roughly 4/3 times longer.
	// bcrypt only looks at the first 72 bytes, so Size must not exceed 54.
	Size int
}

func (c Codec) size() int {
	if c.Size <= 0 {
		return DefaultSize
	}
	return c.Size
}

func (c Codec) cost() int {
	if c.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return c.Cost
}

// Generate returns a new cryptographically random secret.
func (c Codec) Generate() (string, error) {
	b := make([]byte, c.size())
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash returns the salted bcrypt hash of raw.
func (c Codec) Hash(raw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(raw), c.cost())
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(h), nil
}

// Verify tells if hash was produced from raw.
// Empty inputs and malformed hashes never verify.
func (c Codec) Verify(raw, hash string) bool {
	if raw == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// Find returns the index of the first hash in hashes produced from raw,
// or -1 if there is none.
//
// Each comparison costs a full bcrypt evaluation, so this is only meant for
// short lists (e.g. the devices of a single user).
func (c Codec) Find(raw string, hashes []string) int {
	if raw == "" {
		return -1
	}
	for i, h := range hashes {
		if c.Verify(raw, h) {
			return i
		}
	}
	return -1
}

// GenerateHashed generates a new secret and returns it along with its hash.
func (c Codec) GenerateHashed() (raw, hash string, err error) {
	if raw, err = c.Generate(); err != nil {
		return "", "", err
	}
	if hash, err = c.Hash(raw); err != nil {
		return "", "", err
	}
	return raw, hash, nil
}
