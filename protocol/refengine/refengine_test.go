package refengine_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfns-blueprint/cggmp21-node/crypto"
	"github.com/dfns-blueprint/cggmp21-node/netadapter"
	"github.com/dfns-blueprint/cggmp21-node/protocol/refengine"
	"github.com/dfns-blueprint/cggmp21-node/sessionstore"
	"github.com/dfns-blueprint/cggmp21-node/wire"
)

type testParty struct {
	idx      uint16
	identity *ecdsa.PrivateKey
	mux      *netadapter.Multiplexer
}

func newTestParties(t *testing.T, n int, net *netadapter.Mocknet) []*testParty {
	t.Helper()
	out := make([]*testParty, n)
	for i := 0; i < n; i++ {
		priv, err := ecdsa.GenerateKey(crypto.EC(), rand.Reader)
		require.NoError(t, err)
		out[i] = &testParty{idx: uint16(i), identity: priv, mux: netadapter.NewMultiplexer(net.NewParty(uint16(i)))}
	}
	return out
}

func partyKeys(parties []*testParty) map[uint16]*ecdsa.PublicKey {
	m := make(map[uint16]*ecdsa.PublicKey, len(parties))
	for _, p := range parties {
		m[p.idx] = &p.identity.PublicKey
	}
	return m
}

func openChannels(t *testing.T, parties []*testParty, execID [wire.ExecutionIdSize]byte) []*netadapter.Channel {
	t.Helper()
	keys := partyKeys(parties)
	channels := make([]*netadapter.Channel, len(parties))
	for i, p := range parties {
		ch, err := p.mux.Register(execID, p.idx, keys, p.identity, 64)
		require.NoError(t, err)
		channels[i] = ch
	}
	return channels
}

func runKeygen(t *testing.T, engines []*refengine.Engine, channels []*netadapter.Channel, allParties []uint16, threshold int) []*sessionstore.KeygenOutput {
	t.Helper()
	outs := make([]*sessionstore.KeygenOutput, len(engines))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			out, err := engines[i].Keygen(ctx, channels[i], uint16(i), allParties, threshold)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			outs[i] = out
		}(i)
	}
	wg.Wait()
	require.NoError(t, firstErr)
	return outs
}

func TestKeygenProducesConsistentSharedPublicKey(t *testing.T) {
	net := netadapter.NewMocknet()
	parties := newTestParties(t, 3, net)
	allParties := []uint16{0, 1, 2}

	var execID [wire.ExecutionIdSize]byte
	execID[0] = 1
	channels := openChannels(t, parties, execID)

	engines := make([]*refengine.Engine, 3)
	for i := range engines {
		engines[i] = refengine.New(256, 1)
	}

	outs := runKeygen(t, engines, channels, allParties, 1)
	for i := 1; i < len(outs); i++ {
		assert.Equal(t, outs[0].PublicKey, outs[i].PublicKey)
	}
	assert.Len(t, outs[0].PublicKey, 33)
}

func TestAuxInfoGenProducesMatchingPublicShares(t *testing.T) {
	net := netadapter.NewMocknet()
	parties := newTestParties(t, 3, net)
	allParties := []uint16{0, 1, 2}

	var keygenExecID, auxExecID [wire.ExecutionIdSize]byte
	keygenExecID[0] = 2
	auxExecID[0] = 3
	keygenChannels := openChannels(t, parties, keygenExecID)

	engines := make([]*refengine.Engine, 3)
	for i := range engines {
		engines[i] = refengine.New(256, 1)
	}
	keygenOuts := runKeygen(t, engines, keygenChannels, allParties, 1)
	for _, ch := range keygenChannels {
		ch.Close()
	}

	for i, out := range keygenOuts {
		primes, err := engines[i].GeneratePrimes(context.Background(), 64)
		require.NoError(t, err)
		out.PregeneratedPrimes = primes
	}

	auxChannels := openChannels(t, parties, auxExecID)
	defer func() {
		for _, ch := range auxChannels {
			ch.Close()
		}
	}()

	fullShares := make([]*sessionstore.FullKeyShare, 3)
	var wg sync.WaitGroup
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			fs, err := engines[i].AuxInfoGen(ctx, auxChannels[i], uint16(i), allParties, keygenOuts[i])
			require.NoError(t, err)
			fullShares[i] = fs
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(fullShares); i++ {
		assert.Equal(t, fullShares[0].SharedPublicKey, fullShares[i].SharedPublicKey)
		assert.Equal(t, fullShares[0].PublicShares, fullShares[i].PublicShares)
	}
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	net := netadapter.NewMocknet()
	parties := newTestParties(t, 3, net)
	allParties := []uint16{0, 1, 2}

	var keygenExecID, auxExecID, signExecID [wire.ExecutionIdSize]byte
	keygenExecID[0] = 4
	auxExecID[0] = 5
	signExecID[0] = 6

	engines := make([]*refengine.Engine, 3)
	for i := range engines {
		engines[i] = refengine.New(256, 1)
	}

	keygenChannels := openChannels(t, parties, keygenExecID)
	keygenOuts := runKeygen(t, engines, keygenChannels, allParties, 1)
	for _, ch := range keygenChannels {
		ch.Close()
	}
	for i, out := range keygenOuts {
		primes, err := engines[i].GeneratePrimes(context.Background(), 64)
		require.NoError(t, err)
		out.PregeneratedPrimes = primes
	}

	auxChannels := openChannels(t, parties, auxExecID)
	fullShares := make([]*sessionstore.FullKeyShare, 3)
	var wg sync.WaitGroup
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			fs, err := engines[i].AuxInfoGen(ctx, auxChannels[i], uint16(i), allParties, keygenOuts[i])
			require.NoError(t, err)
			fullShares[i] = fs
		}(i)
	}
	wg.Wait()
	for _, ch := range auxChannels {
		ch.Close()
	}

	signerIndices := []uint16{0, 1}
	signChannels := openChannels(t, parties, signExecID)
	defer func() {
		for _, ch := range signChannels {
			ch.Close()
		}
	}()

	digest := sha256.Sum256([]byte("approve withdrawal"))
	sigs := make([][]byte, len(signerIndices))
	var signWg sync.WaitGroup
	for pos, idx := range signerIndices {
		signWg.Add(1)
		go func(pos int, idx uint16) {
			defer signWg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sig, err := engines[idx].Sign(ctx, signChannels[idx], idx, signerIndices, fullShares[idx], digest[:])
			require.NoError(t, err)
			sigs[pos] = sig
		}(pos, idx)
	}
	signWg.Wait()

	require.Equal(t, sigs[0], sigs[1])
	require.Len(t, sigs[0], 65)

	pubKeyBytes := fullShares[0].SharedPublicKey
	pub, err := crypto.DecompressPoint(crypto.EC(), new(big.Int).SetBytes(pubKeyBytes[1:]), pubKeyBytes[0]&1)
	require.NoError(t, err)

	r := new(big.Int).SetBytes(sigs[0][0:32])
	s := new(big.Int).SetBytes(sigs[0][32:64])
	assert.True(t, ecdsa.Verify(pub.ToECDSAPubKey(), digest[:], r, s))
}
