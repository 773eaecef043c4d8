package sessionstore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dfns-blueprint/cggmp21-node/common"
)

// FullKeyShare is a node's complete CGGMP21 keyshare: core share + auxiliary
// info, sufficient to sign. It is never transmitted; it exists only in the
// session store's own process.
type FullKeyShare struct {
	MinSigners      uint16
	SharedPublicKey []byte   // compressed SEC1 point
	PublicShares    [][]byte // per-party public share commitments, n entries
	SecretShare     []byte   // big-endian scalar, secret
	AuxInfo         []byte   // opaque CGGMP21 auxiliary info blob
}

// KeygenOutput is the result of a successful distributed key generation,
// before any aux-info/refresh has run.
type KeygenOutput struct {
	PregeneratedPrimes []byte // opaque safe-prime material generated for this party
	CoreKeyShare       []byte // opaque core share from the protocol engine
	PublicKey          []byte // compressed SEC1 shared public key
}

// Record is the stored value for one SessionKey. The monotone-provenance
// invariant (KeygenOutput == nil => AuxKeyshare == nil => RefreshedKey ==
// nil) is enforced by the job coordinators, not by Record itself.
type Record struct {
	KeygenOutput *KeygenOutput
	AuxKeyshare  *FullKeyShare
	RefreshedKey *FullKeyShare
}

// Validate reports whether fks is structurally well-formed: a non-empty
// shared public key, exactly one non-empty public share commitment per
// party in expectedParties, and a non-empty secret share. It does not
// attempt to verify the shares cryptographically — that is the protocol
// engine's job during the ceremony itself.
func (fks *FullKeyShare) Validate(expectedParties int) error {
	if !common.NonEmptyBytes(fks.SharedPublicKey) {
		return fmt.Errorf("sessionstore: key share missing shared public key")
	}
	if !common.NonEmptyMultiBytes(fks.PublicShares, expectedParties) {
		return fmt.Errorf("sessionstore: key share must carry %d non-empty public share commitments, got %d", expectedParties, len(fks.PublicShares))
	}
	if !common.NonEmptyBytes(fks.SecretShare) {
		return fmt.Errorf("sessionstore: key share missing secret share")
	}
	return nil
}

const (
	fieldKeygenOutput int32 = 1
	fieldAuxKeyshare  int32 = 2
	fieldRefreshedKey int32 = 3

	fieldKOPrimes    int32 = 1
	fieldKOCoreShare int32 = 2
	fieldKOPublicKey int32 = 3

	fieldFKSMinSigners      int32 = 1
	fieldFKSSharedPublicKey int32 = 2
	fieldFKSPublicShare     int32 = 3 // repeated
	fieldFKSSecretShare     int32 = 4
	fieldFKSAuxInfo         int32 = 5
)

func encodeKeygenOutput(ko *KeygenOutput) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, protowire.Number(fieldKOPrimes), protowire.BytesType)
	buf = protowire.AppendBytes(buf, ko.PregeneratedPrimes)
	buf = protowire.AppendTag(buf, protowire.Number(fieldKOCoreShare), protowire.BytesType)
	buf = protowire.AppendBytes(buf, ko.CoreKeyShare)
	buf = protowire.AppendTag(buf, protowire.Number(fieldKOPublicKey), protowire.BytesType)
	buf = protowire.AppendBytes(buf, ko.PublicKey)
	return buf
}

func decodeKeygenOutput(data []byte) (*KeygenOutput, error) {
	ko := &KeygenOutput{}
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("sessionstore: malformed keygen_output tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		bz, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return nil, fmt.Errorf("sessionstore: malformed keygen_output field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
		switch int32(num) {
		case fieldKOPrimes:
			ko.PregeneratedPrimes = append([]byte(nil), bz...)
		case fieldKOCoreShare:
			ko.CoreKeyShare = append([]byte(nil), bz...)
		case fieldKOPublicKey:
			ko.PublicKey = append([]byte(nil), bz...)
		}
	}
	return ko, nil
}

func encodeFullKeyShare(fks *FullKeyShare) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, protowire.Number(fieldFKSMinSigners), protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(fks.MinSigners))
	buf = protowire.AppendTag(buf, protowire.Number(fieldFKSSharedPublicKey), protowire.BytesType)
	buf = protowire.AppendBytes(buf, fks.SharedPublicKey)
	for _, share := range fks.PublicShares {
		buf = protowire.AppendTag(buf, protowire.Number(fieldFKSPublicShare), protowire.BytesType)
		buf = protowire.AppendBytes(buf, share)
	}
	buf = protowire.AppendTag(buf, protowire.Number(fieldFKSSecretShare), protowire.BytesType)
	buf = protowire.AppendBytes(buf, fks.SecretShare)
	buf = protowire.AppendTag(buf, protowire.Number(fieldFKSAuxInfo), protowire.BytesType)
	buf = protowire.AppendBytes(buf, fks.AuxInfo)
	return buf
}

func decodeFullKeyShare(data []byte) (*FullKeyShare, error) {
	fks := &FullKeyShare{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("sessionstore: malformed key share tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch int32(num) {
		case fieldFKSMinSigners:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("sessionstore: malformed min_signers: %w", protowire.ParseError(m))
			}
			fks.MinSigners = uint16(v)
			data = data[m:]
		case fieldFKSSharedPublicKey:
			bz, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("sessionstore: malformed shared_public_key: %w", protowire.ParseError(m))
			}
			fks.SharedPublicKey = append([]byte(nil), bz...)
			data = data[m:]
		case fieldFKSPublicShare:
			bz, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("sessionstore: malformed public_share: %w", protowire.ParseError(m))
			}
			fks.PublicShares = append(fks.PublicShares, append([]byte(nil), bz...))
			data = data[m:]
		case fieldFKSSecretShare:
			bz, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("sessionstore: malformed secret_share: %w", protowire.ParseError(m))
			}
			fks.SecretShare = append([]byte(nil), bz...)
			data = data[m:]
		case fieldFKSAuxInfo:
			bz, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("sessionstore: malformed aux_info: %w", protowire.ParseError(m))
			}
			fks.AuxInfo = append([]byte(nil), bz...)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("sessionstore: malformed unknown key share field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return fks, nil
}

func encodeRecord(r *Record) []byte {
	var buf []byte
	if r.KeygenOutput != nil {
		buf = protowire.AppendTag(buf, protowire.Number(fieldKeygenOutput), protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeKeygenOutput(r.KeygenOutput))
	}
	if r.AuxKeyshare != nil {
		buf = protowire.AppendTag(buf, protowire.Number(fieldAuxKeyshare), protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeFullKeyShare(r.AuxKeyshare))
	}
	if r.RefreshedKey != nil {
		buf = protowire.AppendTag(buf, protowire.Number(fieldRefreshedKey), protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeFullKeyShare(r.RefreshedKey))
	}
	return buf
}

func decodeRecord(data []byte) (*Record, error) {
	r := &Record{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("sessionstore: malformed record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		bz, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return nil, fmt.Errorf("sessionstore: malformed record field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
		switch int32(num) {
		case fieldKeygenOutput:
			ko, err := decodeKeygenOutput(bz)
			if err != nil {
				return nil, err
			}
			r.KeygenOutput = ko
		case fieldAuxKeyshare:
			fks, err := decodeFullKeyShare(bz)
			if err != nil {
				return nil, err
			}
			r.AuxKeyshare = fks
		case fieldRefreshedKey:
			fks, err := decodeFullKeyShare(bz)
			if err != nil {
				return nil, err
			}
			r.RefreshedKey = fks
		default:
			_ = typ
		}
	}
	return r, nil
}
