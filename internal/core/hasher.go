package core

import (
	"crypto/sha256"
	"encoding/binary"

	"ForwardLedger/internal/event"
)

const GenesisHashSeed = "ForwardLedger:genesis:v1"

// StateHasher chains event hashes.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with the genesis hash.
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip, used on restore.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// eventDigest is the canonical bytes of one event: its type name and
// payload, each length-prefixed.
func eventDigest(et event.EventType, payload []byte) []byte {
	name := et.String()
	digest := make([]byte, 0, 1+len(name)+4+len(payload))
	digest = append(digest, byte(len(name)))
	digest = append(digest, name...)
	digest = binary.LittleEndian.AppendUint32(digest, uint32(len(payload)))
	return append(digest, payload...)
}
