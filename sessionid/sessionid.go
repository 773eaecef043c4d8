// Package sessionid derives the deterministic, purpose-bound identifiers
// that bind every party in a ceremony to the same parameters: the
// keygen-lineage-stable SessionKey, and the per-ceremony ExecutionId.
package sessionid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Size is the fixed length, in bytes, of a SessionKey or ExecutionId.
const Size = sha256.Size

const (
	metaSalt    = "dfns"
	keygenSalt  = "dfns-keygen"
	auxInfoSalt = "aux-info"
	refreshSalt = "dfns-key-refresh"
	signingSalt = "dfns-signing"
)

// SessionKey is the 32-byte hash identifying a keygen lineage. It is stable
// across refresh and sign.
type SessionKey [Size]byte

// ExecutionId is the 32-byte per-ceremony nonce consumed by the CGGMP21
// rounds to bind all transcript messages of one ceremony.
type ExecutionId [Size]byte

// Hex returns the lower-case hex encoding used as the session store key.
func (k SessionKey) Hex() string {
	return hex.EncodeToString(k[:])
}

func (e ExecutionId) Hex() string {
	return hex.EncodeToString(e[:])
}

// DeriveSessionKey computes H(n ‖ blueprint_id ‖ keygen_call_id ‖ "dfns").
// n is the committee size at the time of keygen; blueprintID and
// keygenCallID are chain-side identifiers. The same inputs always yield the
// same SessionKey, regardless of which node computes it.
func DeriveSessionKey(n uint16, blueprintID, keygenCallID uint64) SessionKey {
	h := sha256.New()
	writeUint16(h, n)
	writeUint64(h, blueprintID)
	writeUint64(h, keygenCallID)
	h.Write([]byte(metaSalt))
	var out SessionKey
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveKeygenExecutionId computes H(SessionKey ‖ "dfns-keygen").
func DeriveKeygenExecutionId(key SessionKey) ExecutionId {
	h := sha256.New()
	h.Write(key[:])
	h.Write([]byte(keygenSalt))
	var out ExecutionId
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveAuxInfoExecutionId computes H(DeriveKeygenExecutionId(key) ‖ "aux-info").
func DeriveAuxInfoExecutionId(key SessionKey) ExecutionId {
	base := DeriveKeygenExecutionId(key)
	h := sha256.New()
	h.Write(base[:])
	h.Write([]byte(auxInfoSalt))
	var out ExecutionId
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveRefreshExecutionId computes
// H(DeriveKeygenExecutionId(key) ‖ call_id_be ‖ "dfns-key-refresh").
func DeriveRefreshExecutionId(key SessionKey, callID uint64) ExecutionId {
	base := DeriveKeygenExecutionId(key)
	h := sha256.New()
	h.Write(base[:])
	writeUint64(h, callID)
	h.Write([]byte(refreshSalt))
	var out ExecutionId
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveSigningExecutionId computes
// H(DeriveKeygenExecutionId(key) ‖ call_id_be ‖ "dfns-signing").
func DeriveSigningExecutionId(key SessionKey, callID uint64) ExecutionId {
	base := DeriveKeygenExecutionId(key)
	h := sha256.New()
	h.Write(base[:])
	writeUint64(h, callID)
	h.Write([]byte(signingSalt))
	var out ExecutionId
	copy(out[:], h.Sum(nil))
	return out
}

func writeUint16(w interface{ Write([]byte) (int, error) }, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	w.Write(buf[:])
}

func writeUint64(w interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}
