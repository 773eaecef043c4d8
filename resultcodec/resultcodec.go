// Package resultcodec implements the canonical, byte-identical encodings
// every committee member must independently produce for a job's on-chain
// result: a compressed public key and a fixed-width recoverable signature.
// Any variable-length big.Int encoding here would break that invariant
// the moment two members' r or s values differ in leading-zero count.
package resultcodec

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/dfns-blueprint/cggmp21-node/crypto"
)

const (
	// PublicKeySize is the length of a compressed SEC1 secp256k1 public key.
	PublicKeySize = 33
	// SignatureSize is the length of the canonical r || s || recovery_id
	// signature encoding.
	SignatureSize = 65
)

// EncodePublicKey returns the 33-byte compressed SEC1 encoding of p.
func EncodePublicKey(p *crypto.Point) []byte {
	var x, y btcec.FieldVal
	x.SetByteSlice(p.X().Bytes())
	y.SetByteSlice(p.Y().Bytes())
	pub := btcec.NewPublicKey(&x, &y)
	return pub.SerializeCompressed()
}

// DecodePublicKey parses a 33-byte compressed SEC1 public key, validating it
// lies on secp256k1 via btcec's own parser.
func DecodePublicKey(data []byte) (*crypto.Point, error) {
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("resultcodec: public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	parsed, err := btcec.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("resultcodec: invalid public key: %w", err)
	}
	xBytes, yBytes := parsed.X().Bytes(), parsed.Y().Bytes()
	x := new(big.Int).SetBytes(xBytes[:])
	y := new(big.Int).SetBytes(yBytes[:])
	return crypto.NewPointNoCurveCheck(crypto.EC(), x, y), nil
}

// EncodeSignature packs r, s, and a 0..3 recovery id into the canonical
// 65-byte result encoding. r and s are left-padded to 32 bytes each.
func EncodeSignature(r, s []byte, recoveryID byte) ([]byte, error) {
	if len(r) > 32 || len(s) > 32 {
		return nil, fmt.Errorf("resultcodec: r/s must fit in 32 bytes, got %d/%d", len(r), len(s))
	}
	if recoveryID > 3 {
		return nil, fmt.Errorf("resultcodec: recovery id must be in [0,3], got %d", recoveryID)
	}
	out := make([]byte, SignatureSize)
	copy(out[32-len(r):32], r)
	copy(out[64-len(s):64], s)
	out[64] = recoveryID
	return out, nil
}

// DecodeSignature splits a canonical 65-byte signature back into r, s, and
// the recovery id.
func DecodeSignature(data []byte) (r, s []byte, recoveryID byte, err error) {
	if len(data) != SignatureSize {
		return nil, nil, 0, fmt.Errorf("resultcodec: signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	r = append([]byte(nil), data[0:32]...)
	s = append([]byte(nil), data[32:64]...)
	recoveryID = data[64]
	if recoveryID > 3 {
		return nil, nil, 0, fmt.Errorf("resultcodec: recovery id must be in [0,3], got %d", recoveryID)
	}
	return r, s, recoveryID, nil
}
