package util

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// DeriveID returns a short deterministic hex identifier for a record that
// belongs to a parent scope (e.g. a bid under an offering). The sequence
// number makes repeated submissions by the same party distinct.
func DeriveID(scope string, party []byte, seq uint64) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(scope))
	h.Write(party)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])

	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[:8])
}
