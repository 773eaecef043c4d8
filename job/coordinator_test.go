package job_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfns-blueprint/cggmp21-node/chain"
	"github.com/dfns-blueprint/cggmp21-node/committee"
	"github.com/dfns-blueprint/cggmp21-node/config"
	"github.com/dfns-blueprint/cggmp21-node/crypto"
	"github.com/dfns-blueprint/cggmp21-node/job"
	"github.com/dfns-blueprint/cggmp21-node/netadapter"
	"github.com/dfns-blueprint/cggmp21-node/protocol/refengine"
	"github.com/dfns-blueprint/cggmp21-node/resultcodec"
	"github.com/dfns-blueprint/cggmp21-node/sessionid"
	"github.com/dfns-blueprint/cggmp21-node/sessionstore"
)

const testBlueprintID = 7

type testNode struct {
	account chain.AccountId
	coord   *job.Coordinator
	store   *sessionstore.Store
}

func newTestEnv(t *testing.T, n int, timeout time.Duration) (*chain.Fixture, []*testNode) {
	t.Helper()

	mocknet := netadapter.NewMocknet()
	engine := refengine.New(64, 2)
	fixture := chain.NewFixture()

	operators := make([]chain.Operator, n)
	identities := make([]*ecdsa.PrivateKey, n)
	accounts := make([]chain.AccountId, n)
	for i := 0; i < n; i++ {
		priv, err := ecdsa.GenerateKey(crypto.EC(), rand.Reader)
		require.NoError(t, err)
		identities[i] = priv
		accounts[i] = chain.AccountId{byte(i + 1)}
		operators[i] = chain.Operator{Account: accounts[i], Key: &priv.PublicKey}
	}
	fixture.Register(testBlueprintID, operators)

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		resolver := committee.NewResolver(fixture)
		storePath := filepath.Join(t.TempDir(), fmt.Sprintf("party-%d.bin", i))
		store, err := sessionstore.Open(storePath)
		require.NoError(t, err)
		mux := netadapter.NewMultiplexer(mocknet.NewParty(uint16(i)))
		cfg, err := config.New(config.Config{
			KeystoreURI:    storePath,
			ChainEndpoint:  "mock://fixture",
			NodeIdentity:   identities[i],
			KeygenTimeout:  timeout,
			RefreshTimeout: timeout,
			SignTimeout:    timeout,
			PrimeBits:      64,
		})
		require.NoError(t, err)
		nodes[i] = &testNode{
			account: accounts[i],
			store:   store,
			coord:   job.NewCoordinator(resolver, store, mux, engine, identities[i], accounts[i], cfg),
		}
	}
	return fixture, nodes
}

// runAll invokes f for every node in nodes concurrently and collects each
// node's result and error by index.
func runAll(nodes []*testNode, f func(*testNode) ([]byte, error)) ([][]byte, []error) {
	results := make([][]byte, len(nodes))
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *testNode) {
			defer wg.Done()
			results[i], errs[i] = f(n)
		}(i, n)
	}
	wg.Wait()
	return results, errs
}

func keygenAll(t *testing.T, ctx context.Context, nodes []*testNode, callID uint64, threshold uint16) [][]byte {
	t.Helper()
	results, errs := runAll(nodes, func(n *testNode) ([]byte, error) {
		return n.coord.Keygen(ctx, testBlueprintID, callID, threshold)
	})
	for i, err := range errs {
		require.NoError(t, err, "party %d keygen", i)
	}
	return results
}

func refreshAll(t *testing.T, ctx context.Context, nodes []*testNode, callID, keygenCallID uint64) [][]byte {
	t.Helper()
	results, errs := runAll(nodes, func(n *testNode) ([]byte, error) {
		return n.coord.KeyRefresh(ctx, testBlueprintID, callID, keygenCallID)
	})
	for i, err := range errs {
		require.NoError(t, err, "party %d refresh", i)
	}
	return results
}

func TestKeygenHappyPathProducesConsistentPublicKey(t *testing.T) {
	_, nodes := newTestEnv(t, 3, 10*time.Second)
	ctx := context.Background()

	results := keygenAll(t, ctx, nodes, 42, 2)
	for i := 1; i < len(results); i++ {
		assert.Equal(t, results[0], results[i], "party %d public key diverged", i)
	}
	assert.Len(t, results[0], resultcodec.PublicKeySize)
}

func TestKeyRefreshHappyPathPreservesPublicKey(t *testing.T) {
	_, nodes := newTestEnv(t, 3, 10*time.Second)
	ctx := context.Background()

	keygenOut := keygenAll(t, ctx, nodes, 42, 2)
	refreshOut := refreshAll(t, ctx, nodes, 43, 42)
	for i := range refreshOut {
		assert.Equal(t, keygenOut[i], refreshOut[i], "party %d refreshed key diverged from keygen output", i)
	}
}

func TestSignHappyPathProducesVerifiableSignature(t *testing.T) {
	_, nodes := newTestEnv(t, 3, 10*time.Second)
	ctx := context.Background()

	keygenAll(t, ctx, nodes, 42, 2)
	refreshAll(t, ctx, nodes, 43, 42)

	results, errs := runAll(nodes, func(n *testNode) ([]byte, error) {
		return n.coord.Sign(ctx, testBlueprintID, 44, 42, []byte("hello"))
	})

	var sigs [][]byte
	declined := 0
	for i, err := range errs {
		if errors.Is(err, job.ErrNotSelectedSigner) {
			assert.Nil(t, results[i])
			declined++
			continue
		}
		require.NoError(t, err, "party %d sign", i)
		sigs = append(sigs, results[i])
	}

	// threshold 2 of 3: exactly one party must decline, the other two must
	// agree byte-for-byte on the signature.
	assert.Equal(t, 1, declined)
	require.Len(t, sigs, 2)
	assert.Equal(t, sigs[0], sigs[1])
	assert.Len(t, sigs[0], resultcodec.SignatureSize)
}

func TestKeyRefreshWithoutKeygenFailsWithStoreMissing(t *testing.T) {
	_, nodes := newTestEnv(t, 3, 10*time.Second)
	ctx := context.Background()

	_, err := nodes[0].coord.KeyRefresh(ctx, testBlueprintID, 43, 99)
	var jobErr *job.Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, job.KindStoreMissing, jobErr.Kind())
}

func TestSignWithoutRefreshFailsWithStoreMissing(t *testing.T) {
	_, nodes := newTestEnv(t, 3, 10*time.Second)
	ctx := context.Background()

	keygenAll(t, ctx, nodes, 42, 2)

	_, err := nodes[0].coord.Sign(ctx, testBlueprintID, 44, 42, []byte("hello"))
	var jobErr *job.Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, job.KindStoreMissing, jobErr.Kind())
}

// TestSignSucceedsWhenNonSelectedPartyIsAbsent confirms a threshold-2-of-3
// signature still completes even when the party outside the selected
// subset never calls Sign at all, simulating a crashed or offline peer that
// signing does not depend on.
func TestSignSucceedsWhenNonSelectedPartyIsAbsent(t *testing.T) {
	_, nodes := newTestEnv(t, 3, 10*time.Second)
	ctx := context.Background()

	keygenAll(t, ctx, nodes, 42, 2)
	refreshAll(t, ctx, nodes, 43, 42)

	// Discover, out of band, which two parties are selected by letting all
	// three attempt to sign once; the declining party's index is the one
	// that never needs to be online for subsequent signs to succeed.
	_, errs := runAll(nodes, func(n *testNode) ([]byte, error) {
		return n.coord.Sign(ctx, testBlueprintID, 44, 42, []byte("first"))
	})
	absent := -1
	for i, err := range errs {
		if errors.Is(err, job.ErrNotSelectedSigner) {
			absent = i
		}
	}
	require.NotEqual(t, -1, absent)

	active := make([]*testNode, 0, 2)
	for i, n := range nodes {
		if i != absent {
			active = append(active, n)
		}
	}
	results, errs := runAll(active, func(n *testNode) ([]byte, error) {
		return n.coord.Sign(ctx, testBlueprintID, 44, 42, []byte("second message, same call id reused for selection"))
	})
	for i, err := range errs {
		require.NoError(t, err, "active party %d", i)
	}
	assert.Equal(t, results[0], results[1])
}

// TestKeygenFailsClosedWhenAPartyNeverParticipates confirms that a party
// dropping out during keygen (rather than during sign, where dropouts
// outside the selected subset are harmless) leaves the ceremony failed and
// nothing persisted to the session store for the parties that did attempt
// it.
func TestKeygenFailsClosedWhenAPartyNeverParticipates(t *testing.T) {
	_, nodes := newTestEnv(t, 3, 500*time.Millisecond)
	ctx := context.Background()

	// nodes[0] never calls Keygen at all, simulating a crashed party.
	participating := nodes[1:]
	_, errs := runAll(participating, func(n *testNode) ([]byte, error) {
		return n.coord.Keygen(ctx, testBlueprintID, 42, 2)
	})
	for i, err := range errs {
		require.Error(t, err, "party %d", i+1)
		var jobErr *job.Error
		require.ErrorAs(t, err, &jobErr)
		assert.Contains(t, []job.Kind{job.KindProtocolError, job.KindTimeout}, jobErr.Kind())
	}

	sessionKey := sessionid.DeriveSessionKey(uint16(len(nodes)), testBlueprintID, 42)
	for i, n := range participating {
		_, ok := n.store.Get(sessionKey)
		assert.False(t, ok, "party %d must not have a persisted session record after a failed keygen", i+1)
	}
}
