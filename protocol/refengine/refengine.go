// Package refengine is a reference implementation of protocol.Engine built
// on Feldman verifiable secret sharing and safe-prime generation rather
// than the real CGGMP21 rounds, which remain strictly out of scope. It
// exists only to drive the end-to-end job-coordinator scenarios this
// module tests against; it is not a production MPC engine — key material
// passes briefly through a single combining party during Sign, which the
// real protocol never does.
package refengine

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/dfns-blueprint/cggmp21-node/common"
	"github.com/dfns-blueprint/cggmp21-node/crypto"
	"github.com/dfns-blueprint/cggmp21-node/crypto/vss"
	"github.com/dfns-blueprint/cggmp21-node/netadapter"
	"github.com/dfns-blueprint/cggmp21-node/sessionstore"
)

// message tags distinguish the handful of point-to-point/broadcast
// exchanges this reference engine drives over one netadapter.Channel.
const (
	tagKeygenVs    byte = 1
	tagKeygenShare byte = 2
	tagSignShare   byte = 3
	tagSignResult  byte = 4
)

// Engine is the refengine implementation of protocol.Engine.
type Engine struct {
	PrimeBits   int
	Concurrency int
}

// New returns an Engine that generates primeBits-sized safe primes using up
// to concurrency goroutines.
func New(primeBits, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{PrimeBits: primeBits, Concurrency: concurrency}
}

func partyID(idx uint16) *big.Int {
	// VSS ids must be non-zero; party index 0 would otherwise collide with
	// the polynomial's constant term.
	return big.NewInt(int64(idx) + 1)
}

func dealerOf(parties []uint16) uint16 {
	dealer := parties[0]
	for _, p := range parties[1:] {
		if p < dealer {
			dealer = p
		}
	}
	return dealer
}

func sortedCopy(parties []uint16) []uint16 {
	out := append([]uint16(nil), parties...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GeneratePrimes implements protocol.Engine.
func (e *Engine) GeneratePrimes(ctx context.Context, bits int) ([]byte, error) {
	if bits <= 0 {
		bits = e.PrimeBits
	}
	return generatePregeneratedPrimes(ctx, bits, e.Concurrency)
}

// Keygen implements protocol.Engine using a trusted-dealer Feldman VSS
// scheme: the lowest-indexed party samples the secret and the verification
// vector, then distributes each party's share over ch. threshold is the
// number of signers needed to sign, so the sharing polynomial has degree
// threshold-1.
func (e *Engine) Keygen(ctx context.Context, ch *netadapter.Channel, selfIndex uint16, parties []uint16, threshold int) (*sessionstore.KeygenOutput, error) {
	dealer := dealerOf(parties)
	ec := crypto.EC()

	var commitments vss.Commitments
	var myShare *vss.Share

	if selfIndex == dealer {
		secret := common.GetRandomPositiveInt(ec.Params().N)
		ids := make([]*big.Int, len(parties))
		for i, p := range sortedCopy(parties) {
			ids[i] = partyID(p)
		}
		var shares vss.Shares
		var err error
		commitments, shares, err = vss.Split(ec, threshold-1, secret, ids)
		if err != nil {
			return nil, fmt.Errorf("refengine: vss.Split: %w", err)
		}

		commitmentBytes, err := gobEncode(commitments)
		if err != nil {
			return nil, err
		}
		if err := ch.Broadcast(ctx, append([]byte{tagKeygenVs}, commitmentBytes...)); err != nil {
			return nil, fmt.Errorf("refengine: broadcasting verification vector: %w", err)
		}

		byParty := make(map[uint16]*vss.Share, len(shares))
		for i, p := range sortedCopy(parties) {
			byParty[p] = shares[i]
		}
		for _, p := range parties {
			if p == selfIndex {
				continue
			}
			shareBytes, err := gobEncode(byParty[p])
			if err != nil {
				return nil, err
			}
			if err := ch.Send(ctx, p, append([]byte{tagKeygenShare}, shareBytes...)); err != nil {
				return nil, fmt.Errorf("refengine: sending share to party %d: %w", p, err)
			}
		}
		myShare = byParty[selfIndex]
	} else {
		vsMsg, err := ch.Recv(ctx, dealer)
		if err != nil {
			return nil, fmt.Errorf("refengine: receiving verification vector: %w", err)
		}
		if err := gobDecodeTagged(vsMsg, tagKeygenVs, &commitments); err != nil {
			return nil, err
		}
		shareMsg, err := ch.Recv(ctx, dealer)
		if err != nil {
			return nil, fmt.Errorf("refengine: receiving share: %w", err)
		}
		myShare = &vss.Share{}
		if err := gobDecodeTagged(shareMsg, tagKeygenShare, myShare); err != nil {
			return nil, err
		}
	}

	if !myShare.Verify(ec, commitments) {
		return nil, fmt.Errorf("refengine: received share failed Feldman verification")
	}

	cs := &coreShare{ID: myShare.ID, Share: myShare.Value, Threshold: threshold - 1, Vs: []*crypto.Point(commitments)}
	return &sessionstore.KeygenOutput{
		CoreKeyShare: encodeCoreShare(cs),
		PublicKey:    commitments[0].CompressedBytes(),
	}, nil
}

// AuxInfoGen implements protocol.Engine. It needs no network round trip in
// this reference implementation: the Paillier-ring setup was already
// generated per-party by GeneratePrimes during keygen.
func (e *Engine) AuxInfoGen(ctx context.Context, ch *netadapter.Channel, selfIndex uint16, parties []uint16, core *sessionstore.KeygenOutput) (*sessionstore.FullKeyShare, error) {
	cs, err := decodeCoreShare(core.CoreKeyShare)
	if err != nil {
		return nil, fmt.Errorf("refengine: decoding core share: %w", err)
	}
	primes, err := decodePregeneratedPrimes(core.PregeneratedPrimes)
	if err != nil {
		return nil, fmt.Errorf("refengine: decoding pregenerated primes: %w", err)
	}
	return e.buildFullShare(cs, parties, &auxInfo{NTilde: primes.NTilde, H1: primes.H1, H2: primes.H2})
}

// KeyRefresh implements protocol.Engine. The Shamir layer (shared public
// key, each party's secret share) is unchanged by refresh in this
// reference engine; only the Paillier-ring auxiliary material is
// regenerated, which is sufficient to exercise the "unchanged public key"
// invariant spec.md requires of every refresh.
func (e *Engine) KeyRefresh(ctx context.Context, ch *netadapter.Channel, selfIndex uint16, parties []uint16, aux *sessionstore.FullKeyShare) (*sessionstore.FullKeyShare, error) {
	freshPrimesBytes, err := e.GeneratePrimes(ctx, e.PrimeBits)
	if err != nil {
		return nil, err
	}
	freshPrimes, err := decodePregeneratedPrimes(freshPrimesBytes)
	if err != nil {
		return nil, err
	}
	refreshed := &sessionstore.FullKeyShare{
		MinSigners:      aux.MinSigners,
		SharedPublicKey: aux.SharedPublicKey,
		PublicShares:    aux.PublicShares,
		SecretShare:     aux.SecretShare,
		AuxInfo:         encodeAuxInfo(&auxInfo{NTilde: freshPrimes.NTilde, H1: freshPrimes.H1, H2: freshPrimes.H2}),
	}
	return refreshed, nil
}

// Sign implements protocol.Engine. The lowest-indexed signer combines the
// Shamir shares of every participating signer to reconstruct the private
// scalar and produce a standard secp256k1 ECDSA signature with recovery id,
// then broadcasts the result to the other signers.
func (e *Engine) Sign(ctx context.Context, ch *netadapter.Channel, selfIndex uint16, signerIndices []uint16, share *sessionstore.FullKeyShare, digest []byte) ([]byte, error) {
	combiner := dealerOf(signerIndices)
	myVssShare := &vss.Share{
		Threshold: int(share.MinSigners) - 1,
		ID:        partyID(selfIndex),
		Value:     new(big.Int).SetBytes(share.SecretShare),
	}

	if selfIndex != combiner {
		shareBytes, err := gobEncode(myVssShare)
		if err != nil {
			return nil, err
		}
		if err := ch.Send(ctx, combiner, append([]byte{tagSignShare}, shareBytes...)); err != nil {
			return nil, fmt.Errorf("refengine: sending signing share: %w", err)
		}
		resultMsg, err := ch.Recv(ctx, combiner)
		if err != nil {
			return nil, fmt.Errorf("refengine: receiving signature: %w", err)
		}
		var result []byte
		if err := gobDecodeTagged(resultMsg, tagSignResult, &result); err != nil {
			return nil, err
		}
		return result, nil
	}

	shares := vss.Shares{myVssShare}
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs *multierror.Error
	)
	for _, p := range signerIndices {
		if p == selfIndex {
			continue
		}
		wg.Add(1)
		go func(p uint16) {
			defer wg.Done()
			msg, err := ch.Recv(ctx, p)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("refengine: receiving signing share from %d: %w", p, err))
				mu.Unlock()
				return
			}
			var s vss.Share
			if err := gobDecodeTagged(msg, tagSignShare, &s); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("refengine: decoding signing share from %d: %w", p, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			shares = append(shares, &s)
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	// Every signer's share is collected concurrently rather than in index
	// order: Combine doesn't care which order shares arrive in, and a
	// slow or failing signer shouldn't block the ones who already answered.
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	secret, err := shares.Combine(crypto.EC())
	if err != nil {
		return nil, fmt.Errorf("refengine: reconstructing secret: %w", err)
	}
	sig, err := signWithRecovery(secret, digest)
	if err != nil {
		return nil, err
	}
	if err := ch.Broadcast(ctx, append([]byte{tagSignResult}, gobMustEncode(sig)...)); err != nil {
		return nil, fmt.Errorf("refengine: broadcasting signature: %w", err)
	}
	return sig, nil
}

func (e *Engine) buildFullShare(cs *coreShare, parties []uint16, aux *auxInfo) (*sessionstore.FullKeyShare, error) {
	ec := crypto.EC()

	ordered := sortedCopy(parties)
	publicShares := make([][]byte, len(ordered))
	for i, p := range ordered {
		pt, err := vss.PublicShareAt(ec, vss.Commitments(cs.Vs), partyID(p))
		if err != nil {
			return nil, fmt.Errorf("refengine: computing public share for party %d: %w", p, err)
		}
		publicShares[i] = pt.CompressedBytes()
	}

	return &sessionstore.FullKeyShare{
		MinSigners:      uint16(cs.Threshold + 1),
		SharedPublicKey: cs.Vs[0].CompressedBytes(),
		PublicShares:    publicShares,
		SecretShare:     cs.Share.Bytes(),
		AuxInfo:         encodeAuxInfo(aux),
	}, nil
}

// signWithRecovery produces a standard secp256k1 ECDSA signature over
// digest using secret as the private scalar, returning the canonical
// r(32) || s(32) || recovery_id(1) encoding.
func signWithRecovery(secret *big.Int, digest []byte) ([]byte, error) {
	ec := crypto.EC()
	n := ec.Params().N
	modN := common.ModInt(n)
	z := hashToInt(digest, n)

	for attempt := 0; attempt < 128; attempt++ {
		k := common.GetRandomPositiveRelativelyPrimeInt(n)
		r := crypto.ScalarBaseMult(ec, k)
		rX := new(big.Int).Mod(r.X(), n)
		if rX.Sign() == 0 {
			continue
		}
		kInv := new(big.Int).ModInverse(k, n)
		s := modN.Mul(kInv, modN.Add(z, modN.Mul(rX, secret)))
		if s.Sign() == 0 {
			continue
		}
		recoveryID := byte(0)
		if r.Y().Bit(0) != 0 {
			recoveryID |= 1
		}
		if r.X().Cmp(n) >= 0 {
			recoveryID |= 2
		}
		// canonicalize: CGGMP21/BIP-62 style low-S.
		halfN := new(big.Int).Rsh(n, 1)
		if s.Cmp(halfN) > 0 {
			s = new(big.Int).Sub(n, s)
			recoveryID ^= 1
		}
		out := make([]byte, 65)
		rX.FillBytes(out[0:32])
		s.FillBytes(out[32:64])
		out[64] = recoveryID
		return out, nil
	}
	return nil, fmt.Errorf("refengine: failed to produce a signature after 128 attempts")
}

func hashToInt(digest []byte, n *big.Int) *big.Int {
	z := new(big.Int).SetBytes(digest)
	bitLen := n.BitLen()
	if excess := z.BitLen() - bitLen; excess > 0 {
		z.Rsh(z, uint(excess))
	}
	return z
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("refengine: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func gobMustEncode(v interface{}) []byte {
	bz, err := gobEncode(v)
	if err != nil {
		panic(err)
	}
	return bz
}

func gobDecodeTagged(msg []byte, wantTag byte, out interface{}) error {
	if len(msg) == 0 || msg[0] != wantTag {
		return fmt.Errorf("refengine: expected message tag %d, got %v", wantTag, msg)
	}
	return gob.NewDecoder(bytes.NewReader(msg[1:])).Decode(out)
}
