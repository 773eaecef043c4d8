// Package job implements the three CGGMP21 ceremony state machines —
// keygen, key refresh, and signing — each as a Coordinator method sharing
// one prelude: resolve the committee, derive the session identifiers, open
// a network channel, drive the protocol engine, persist, respond.
package job

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"runtime"
	"sort"

	golog "github.com/ipfs/go-log"

	"github.com/dfns-blueprint/cggmp21-node/chain"
	"github.com/dfns-blueprint/cggmp21-node/committee"
	"github.com/dfns-blueprint/cggmp21-node/config"
	"github.com/dfns-blueprint/cggmp21-node/netadapter"
	"github.com/dfns-blueprint/cggmp21-node/protocol"
	"github.com/dfns-blueprint/cggmp21-node/resultcodec"
	"github.com/dfns-blueprint/cggmp21-node/sessionid"
	"github.com/dfns-blueprint/cggmp21-node/sessionstore"
	"github.com/dfns-blueprint/cggmp21-node/wire"
)

var log = golog.Logger("cggmp21-node/job")

// ErrNotSelectedSigner is returned by Sign when this party's index was not
// chosen for the signing subset. It is not a failure: the party observes
// its own non-participation and drops out cleanly.
var ErrNotSelectedSigner = errors.New("job: this party was not selected to sign")

// Coordinator drives all three ceremonies for one node.
type Coordinator struct {
	resolver *committee.Resolver
	store    *sessionstore.Store
	mux      *netadapter.Multiplexer
	engine   protocol.Engine
	identity *ecdsa.PrivateKey
	self     chain.AccountId
	cfg      *config.Config

	primeSem chan struct{}
}

// NewCoordinator wires the committee resolver, session store, network
// multiplexer, and protocol engine into a Coordinator for self (identified
// both by its chain account and its signing identity). The CPU-bound
// safe-prime worker pool is sized to runtime.GOMAXPROCS(0).
func NewCoordinator(
	resolver *committee.Resolver,
	store *sessionstore.Store,
	mux *netadapter.Multiplexer,
	engine protocol.Engine,
	identity *ecdsa.PrivateKey,
	self chain.AccountId,
	cfg *config.Config,
) *Coordinator {
	return &Coordinator{
		resolver: resolver,
		store:    store,
		mux:      mux,
		engine:   engine,
		identity: identity,
		self:     self,
		cfg:      cfg,
		primeSem: make(chan struct{}, runtime.GOMAXPROCS(0)),
	}
}

// Keygen runs distributed key generation for threshold t among the
// committee currently registered for blueprintID, returning the canonical
// encoding of the resulting shared public key.
func (c *Coordinator) Keygen(ctx context.Context, blueprintID, callID uint64, t uint16) ([]byte, error) {
	selfIndex, comm, err := c.resolveSelf(ctx, blueprintID)
	if err != nil {
		return nil, err
	}
	n := uint16(comm.Len())
	if t == 0 || t > n {
		return nil, NewError(KindContextError, fmt.Errorf("invalid threshold t=%d for n=%d", t, n))
	}

	sessionKey := sessionid.DeriveSessionKey(n, blueprintID, callID)
	if existing, ok := c.store.Get(sessionKey); ok && existing.KeygenOutput != nil {
		return nil, NewError(KindDuplicateKeygen, fmt.Errorf("keygen already completed for session %s", sessionKey.Hex()))
	}

	executionID := sessionid.DeriveKeygenExecutionId(sessionKey)
	ch, err := c.openChannel(executionID, selfIndex, comm)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.KeygenTimeout)
	defer cancel()

	log.Infof("job: starting keygen session=%s execution=%s self=%d n=%d t=%d", sessionKey.Hex(), executionID.Hex(), selfIndex, n, t)

	parties := partyIndices(comm)
	keygenOut, err := c.engine.Keygen(ctx, ch, selfIndex, parties, int(t))
	if err != nil {
		return nil, classifyCtx(ctx, KindProtocolError, err)
	}

	primes, err := c.generatePrimes(ctx)
	if err != nil {
		return nil, classifyCtx(ctx, KindProtocolError, err)
	}
	keygenOut.PregeneratedPrimes = primes

	if err := c.store.Set(sessionKey, &sessionstore.Record{KeygenOutput: keygenOut}); err != nil {
		return nil, NewError(KindStoreCorrupt, err)
	}

	return encodePublicKey(keygenOut.PublicKey)
}

// KeyRefresh runs the aux-info and key-refresh sub-ceremonies in sequence
// against the keygen output already on file for keygenCallID, returning the
// canonical encoding of the (unchanged) shared public key.
func (c *Coordinator) KeyRefresh(ctx context.Context, blueprintID, callID, keygenCallID uint64) ([]byte, error) {
	selfIndex, comm, err := c.resolveSelf(ctx, blueprintID)
	if err != nil {
		return nil, err
	}
	n := uint16(comm.Len())
	sessionKey := sessionid.DeriveSessionKey(n, blueprintID, keygenCallID)

	rec, ok := c.store.Get(sessionKey)
	if !ok || rec.KeygenOutput == nil {
		return nil, NewError(KindStoreMissing, fmt.Errorf("no keygen output for session %s", sessionKey.Hex()))
	}
	parties := partyIndices(comm)

	auxExecutionID := sessionid.DeriveAuxInfoExecutionId(sessionKey)
	auxKeyshare, err := c.runAuxInfoGen(ctx, auxExecutionID, selfIndex, comm, parties, rec.KeygenOutput)
	if err != nil {
		return nil, err
	}
	rec.AuxKeyshare = auxKeyshare
	if err := c.store.Set(sessionKey, rec); err != nil {
		return nil, NewError(KindStoreCorrupt, err)
	}

	refreshExecutionID := sessionid.DeriveRefreshExecutionId(sessionKey, callID)
	refreshed, err := c.runKeyRefresh(ctx, refreshExecutionID, selfIndex, comm, parties, auxKeyshare)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(refreshed.SharedPublicKey, rec.KeygenOutput.PublicKey) {
		return nil, NewError(KindRefreshPublicKeyMismatch, fmt.Errorf("refreshed public key diverged from keygen output for session %s", sessionKey.Hex()))
	}

	rec.RefreshedKey = refreshed
	if err := c.store.Set(sessionKey, rec); err != nil {
		return nil, NewError(KindStoreCorrupt, err)
	}

	return encodePublicKey(refreshed.SharedPublicKey)
}

func (c *Coordinator) runAuxInfoGen(ctx context.Context, executionID sessionid.ExecutionId, selfIndex uint16, comm *committee.Committee, parties []uint16, core *sessionstore.KeygenOutput) (*sessionstore.FullKeyShare, error) {
	ch, err := c.openChannel(executionID, selfIndex, comm)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	aux, err := c.engine.AuxInfoGen(ctx, ch, selfIndex, parties, core)
	if err != nil {
		return nil, classifyCtx(ctx, KindProtocolError, err)
	}
	if err := aux.Validate(len(parties)); err != nil {
		return nil, NewError(KindLocalVerifyFailed, err)
	}
	return aux, nil
}

func (c *Coordinator) runKeyRefresh(ctx context.Context, executionID sessionid.ExecutionId, selfIndex uint16, comm *committee.Committee, parties []uint16, aux *sessionstore.FullKeyShare) (*sessionstore.FullKeyShare, error) {
	ch, err := c.openChannel(executionID, selfIndex, comm)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	refreshed, err := c.engine.KeyRefresh(ctx, ch, selfIndex, parties, aux)
	if err != nil {
		return nil, classifyCtx(ctx, KindProtocolError, err)
	}
	if err := refreshed.Validate(len(parties)); err != nil {
		return nil, NewError(KindLocalVerifyFailed, err)
	}
	return refreshed, nil
}

// Sign signs sha256(message) among a deterministic t-of-n subset of the
// committee, seeded by the signing ExecutionId so every honest party
// converges on the same subset. Parties outside the subset return
// ErrNotSelectedSigner.
func (c *Coordinator) Sign(ctx context.Context, blueprintID, callID, keygenCallID uint64, message []byte) ([]byte, error) {
	selfIndex, comm, err := c.resolveSelf(ctx, blueprintID)
	if err != nil {
		return nil, err
	}
	n := uint16(comm.Len())
	sessionKey := sessionid.DeriveSessionKey(n, blueprintID, keygenCallID)

	rec, ok := c.store.Get(sessionKey)
	if !ok || rec.RefreshedKey == nil {
		return nil, NewError(KindStoreMissing, fmt.Errorf("no refreshed key for session %s", sessionKey.Hex()))
	}

	executionID := sessionid.DeriveSigningExecutionId(sessionKey, callID)
	t := int(rec.RefreshedKey.MinSigners)
	signers := selectSigners(executionID, int(n), t)
	if !contains(signers, selfIndex) {
		log.Debugf("job: self=%d not selected to sign session=%s", selfIndex, sessionKey.Hex())
		return nil, ErrNotSelectedSigner
	}

	ch, err := c.openChannel(executionID, selfIndex, comm)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SignTimeout)
	defer cancel()

	digest := sha256.Sum256(message)
	sigBytes, err := c.engine.Sign(ctx, ch, selfIndex, signers, rec.RefreshedKey, digest[:])
	if err != nil {
		return nil, classifyCtx(ctx, KindProtocolError, err)
	}

	r, s, recoveryID, err := resultcodec.DecodeSignature(sigBytes)
	if err != nil {
		return nil, NewError(KindSerializationError, err)
	}
	pub, err := resultcodec.DecodePublicKey(rec.RefreshedKey.SharedPublicKey)
	if err != nil {
		return nil, NewError(KindSerializationError, err)
	}
	if !ecdsa.Verify(pub.ToECDSAPubKey(), digest[:], new(big.Int).SetBytes(r), new(big.Int).SetBytes(s)) {
		return nil, NewError(KindLocalVerifyFailed, fmt.Errorf("signature failed local verification against shared public key for session %s", sessionKey.Hex()))
	}

	return resultcodec.EncodeSignature(r, s, recoveryID)
}

func (c *Coordinator) resolveSelf(ctx context.Context, blueprintID uint64) (uint16, *committee.Committee, error) {
	selfIndex, comm, err := c.resolver.PartyIndexAndParties(ctx, blueprintID, c.self)
	if err != nil {
		if errors.Is(err, committee.ErrNotInCommittee) {
			return 0, nil, NewError(KindNotInCommittee, err)
		}
		return 0, nil, NewError(KindContextError, err)
	}
	return selfIndex, comm, nil
}

func (c *Coordinator) openChannel(executionID sessionid.ExecutionId, selfIndex uint16, comm *committee.Committee) (*netadapter.Channel, error) {
	var raw [wire.ExecutionIdSize]byte = executionID
	ch, err := c.mux.Register(raw, selfIndex, comm.Parties(), c.identity, c.cfg.InboundQueueSize)
	if err != nil {
		return nil, NewError(KindTransportError, err)
	}
	return ch, nil
}

func (c *Coordinator) generatePrimes(ctx context.Context) ([]byte, error) {
	select {
	case c.primeSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.primeSem }()
	return c.engine.GeneratePrimes(ctx, c.cfg.PrimeBits)
}

func encodePublicKey(compressed []byte) ([]byte, error) {
	pub, err := resultcodec.DecodePublicKey(compressed)
	if err != nil {
		return nil, NewError(KindSerializationError, err)
	}
	return resultcodec.EncodePublicKey(pub), nil
}

func partyIndices(comm *committee.Committee) []uint16 {
	members := comm.Members()
	out := make([]uint16, len(members))
	for i, m := range members {
		out[i] = m.Index
	}
	return out
}

func contains(indices []uint16, idx uint16) bool {
	for _, v := range indices {
		if v == idx {
			return true
		}
	}
	return false
}

// selectSigners derives the t-of-n signing subset from executionID: a
// Fisher-Yates shuffle of [0, n) seeded by the execution id's leading
// bytes, taking the first t elements of the shuffled sequence. Every
// honest party computes the same executionID and therefore the same
// subset.
func selectSigners(executionID sessionid.ExecutionId, n, t int) []uint16 {
	indices := make([]uint16, n)
	for i := range indices {
		indices[i] = uint16(i)
	}
	seed := int64(binary.BigEndian.Uint64(executionID[:8]))
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	selected := append([]uint16(nil), indices[:t]...)
	sort.Slice(selected, func(i, j int) bool { return selected[i] < selected[j] })
	return selected
}

func classifyCtx(ctx context.Context, fallback Kind, err error) *Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return NewError(KindTimeout, err)
	case context.Canceled:
		return NewError(KindCancelled, err)
	default:
		return NewError(fallback, err)
	}
}
