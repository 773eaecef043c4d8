package refengine

import (
	"bytes"
	"encoding/gob"
	"math/big"

	"github.com/dfns-blueprint/cggmp21-node/crypto"
)

// pregeneratedPrimes is the opaque blob returned by generatePregeneratedPrimes
// and threaded through sessionstore.KeygenOutput.PregeneratedPrimes.
type pregeneratedPrimes struct {
	P, Q           *big.Int
	NTilde, H1, H2 *big.Int
}

func encodePregeneratedPrimes(p, q, nTilde, h1, h2 *big.Int) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(pregeneratedPrimes{P: p, Q: q, NTilde: nTilde, H1: h1, H2: h2})
	return buf.Bytes()
}

func decodePregeneratedPrimes(data []byte) (*pregeneratedPrimes, error) {
	var out pregeneratedPrimes
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// coreShare is the opaque blob backing sessionstore.KeygenOutput.CoreKeyShare:
// one party's Feldman VSS share plus the shared verification vector needed
// to recompute every party's public share.
type coreShare struct {
	ID        *big.Int
	Share     *big.Int
	Threshold int
	Vs        []*crypto.Point
}

func encodeCoreShare(cs *coreShare) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(*cs)
	return buf.Bytes()
}

func decodeCoreShare(data []byte) (*coreShare, error) {
	var out coreShare
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// auxInfo is the opaque blob backing sessionstore.FullKeyShare.AuxInfo: the
// Paillier-ring setup generated alongside the core share.
type auxInfo struct {
	NTilde, H1, H2 *big.Int
}

func encodeAuxInfo(a *auxInfo) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(*a)
	return buf.Bytes()
}

func decodeAuxInfo(data []byte) (*auxInfo, error) {
	var out auxInfo
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
