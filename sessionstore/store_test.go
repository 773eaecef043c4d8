package sessionstore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfns-blueprint/cggmp21-node/sessionid"
	. "github.com/dfns-blueprint/cggmp21-node/sessionstore"
)

func newKey(t *testing.T) sessionid.SessionKey {
	t.Helper()
	return sessionid.DeriveSessionKey(3, 7, 42)
}

func TestGetMissingReturnsNotOk(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "store.bin"))
	require.NoError(t, err)

	_, ok := store.Get(newKey(t))
	assert.False(t, ok)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.bin")
	store, err := Open(path)
	require.NoError(t, err)

	key := newKey(t)
	rec := &Record{
		KeygenOutput: &KeygenOutput{
			PregeneratedPrimes: []byte("primes"),
			CoreKeyShare:       []byte("core"),
			PublicKey:          []byte("pubkey"),
		},
	}
	require.NoError(t, store.Set(key, rec))

	got, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, rec.KeygenOutput.PublicKey, got.KeygenOutput.PublicKey)
	assert.Nil(t, got.AuxKeyshare)
	assert.Nil(t, got.RefreshedKey)
}

func TestSetPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.bin")
	store, err := Open(path)
	require.NoError(t, err)

	key := newKey(t)
	rec := &Record{
		KeygenOutput: &KeygenOutput{PublicKey: []byte("pk")},
		AuxKeyshare: &FullKeyShare{
			MinSigners:      2,
			SharedPublicKey: []byte("pk"),
			PublicShares:    [][]byte{[]byte("s0"), []byte("s1"), []byte("s2")},
			SecretShare:     []byte("secret"),
			AuxInfo:         []byte("aux"),
		},
	}
	require.NoError(t, store.Set(key, rec))

	reopened, err := Open(path)
	require.NoError(t, err)
	got, ok := reopened.Get(key)
	require.True(t, ok)
	require.NotNil(t, got.AuxKeyshare)
	assert.EqualValues(t, 2, got.AuxKeyshare.MinSigners)
	assert.Equal(t, [][]byte{[]byte("s0"), []byte("s1"), []byte("s2")}, got.AuxKeyshare.PublicShares)
	assert.Equal(t, []byte("secret"), got.AuxKeyshare.SecretShare)
}

func TestMonotoneProvenanceIsCallerResponsibility(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.bin")
	store, err := Open(path)
	require.NoError(t, err)

	key := newKey(t)
	require.NoError(t, store.Set(key, &Record{KeygenOutput: &KeygenOutput{PublicKey: []byte("pk")}}))

	rec, ok := store.Get(key)
	require.True(t, ok)
	rec.RefreshedKey = &FullKeyShare{MinSigners: 2, SharedPublicKey: []byte("pk")}
	require.NoError(t, store.Set(key, rec))

	got, ok := store.Get(key)
	require.True(t, ok)
	assert.NotNil(t, got.KeygenOutput)
	assert.NotNil(t, got.RefreshedKey)
}
