/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync"

	xrand "golang.org/x/exp/rand"
)

// processRNG is the single process-wide RNG collaborator; its one use is the
// jitter added to every zone's maintenance tick interval. Seeded from
// crypto/rand once at package init rather than from the wall clock, so two
// processes started in the same second don't pick correlated jitter.
// GenerateNsec3Salt does not use it: salts come from crypto/rand directly.
var processRNG = newSeededRand()

type seededRand struct {
	mu  sync.Mutex
	src *xrand.Rand
}

func newSeededRand() *seededRand {
	var seed uint64
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		seed = binary.BigEndian.Uint64(b[:])
	}
	return &seededRand{src: xrand.New(xrand.NewSource(seed))}
}

// Intn returns a non-negative pseudo-random int in [0, n).
func (s *seededRand) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Intn(n)
}

// GenerateNsec3Salt produces a fresh random NSEC3 salt of numBytes bytes,
// hex-encoded as SetNsec3Params expects. numBytes must be within
// [0, maxNsec3SaltBytes].
func GenerateNsec3Salt(numBytes int) (string, error) {
	if numBytes < 0 || numBytes > maxNsec3SaltBytes {
		return "", newError(OutOfRange, "", "nsec3 salt length %d exceeds maximum %d bytes", numBytes, maxNsec3SaltBytes)
	}
	if numBytes == 0 {
		return "", nil
	}
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		return "", wrapError(IOFailure, "", err, "generate nsec3 salt")
	}
	return hex.EncodeToString(b), nil
}
