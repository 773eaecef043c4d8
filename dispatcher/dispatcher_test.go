package dispatcher_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfns-blueprint/cggmp21-node/chain"
	"github.com/dfns-blueprint/cggmp21-node/dispatcher"
)

type fakeCoordinator struct {
	keygenCalled  bool
	refreshCalled bool
	signCalled    bool

	gotBlueprintID, gotCallID, gotKeygenCallID uint64
	gotThreshold                               uint16
	gotMessage                                 []byte

	result []byte
	err    error
}

func (f *fakeCoordinator) Keygen(_ context.Context, blueprintID, callID uint64, t uint16) ([]byte, error) {
	f.keygenCalled = true
	f.gotBlueprintID, f.gotCallID, f.gotThreshold = blueprintID, callID, t
	return f.result, f.err
}

func (f *fakeCoordinator) KeyRefresh(_ context.Context, blueprintID, callID, keygenCallID uint64) ([]byte, error) {
	f.refreshCalled = true
	f.gotBlueprintID, f.gotCallID, f.gotKeygenCallID = blueprintID, callID, keygenCallID
	return f.result, f.err
}

func (f *fakeCoordinator) Sign(_ context.Context, blueprintID, callID, keygenCallID uint64, message []byte) ([]byte, error) {
	f.signCalled = true
	f.gotBlueprintID, f.gotCallID, f.gotKeygenCallID, f.gotMessage = blueprintID, callID, keygenCallID, message
	return f.result, f.err
}

func u16(v uint16) chain.TypedValue { return chain.TypedValue{U16: &v} }
func u64(v uint64) chain.TypedValue { return chain.TypedValue{U64: &v} }
func bz(v []byte) chain.TypedValue  { return chain.TypedValue{Bytes: v} }

func TestDispatchRoutesKeygen(t *testing.T) {
	coord := &fakeCoordinator{result: []byte("pubkey")}
	d := dispatcher.New(coord)

	out, err := d.Dispatch(context.Background(), chain.JobCalled{
		BlueprintID: 7, CallID: 42, JobID: dispatcher.JobKeygen,
		Args: []chain.TypedValue{u16(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("pubkey"), out)
	assert.True(t, coord.keygenCalled)
	assert.EqualValues(t, 7, coord.gotBlueprintID)
	assert.EqualValues(t, 42, coord.gotCallID)
	assert.EqualValues(t, 2, coord.gotThreshold)
}

func TestDispatchRoutesKeyRefresh(t *testing.T) {
	coord := &fakeCoordinator{result: []byte("pubkey")}
	d := dispatcher.New(coord)

	_, err := d.Dispatch(context.Background(), chain.JobCalled{
		BlueprintID: 7, CallID: 43, JobID: dispatcher.JobKeyRefresh,
		Args: []chain.TypedValue{u64(42)},
	})
	require.NoError(t, err)
	assert.True(t, coord.refreshCalled)
	assert.EqualValues(t, 42, coord.gotKeygenCallID)
}

func TestDispatchRoutesSign(t *testing.T) {
	coord := &fakeCoordinator{result: []byte("sig")}
	d := dispatcher.New(coord)

	_, err := d.Dispatch(context.Background(), chain.JobCalled{
		BlueprintID: 7, CallID: 44, JobID: dispatcher.JobSign,
		Args: []chain.TypedValue{u64(42), bz([]byte("hello"))},
	})
	require.NoError(t, err)
	assert.True(t, coord.signCalled)
	assert.EqualValues(t, 42, coord.gotKeygenCallID)
	assert.Equal(t, []byte("hello"), coord.gotMessage)
}

func TestDispatchRejectsUnknownJobID(t *testing.T) {
	coord := &fakeCoordinator{}
	d := dispatcher.New(coord)

	_, err := d.Dispatch(context.Background(), chain.JobCalled{JobID: 9})
	var unsupported *dispatcher.UnsupportedJob
	require.ErrorAs(t, err, &unsupported)
	assert.EqualValues(t, 9, unsupported.JobID)
	assert.False(t, coord.keygenCalled)
	assert.False(t, coord.refreshCalled)
	assert.False(t, coord.signCalled)
}

func TestDispatchRejectsMissingArgs(t *testing.T) {
	coord := &fakeCoordinator{}
	d := dispatcher.New(coord)

	_, err := d.Dispatch(context.Background(), chain.JobCalled{JobID: dispatcher.JobKeygen})
	require.Error(t, err)
	assert.False(t, coord.keygenCalled)
}

func TestDispatchRejectsWrongArgType(t *testing.T) {
	coord := &fakeCoordinator{}
	d := dispatcher.New(coord)

	_, err := d.Dispatch(context.Background(), chain.JobCalled{
		JobID: dispatcher.JobKeygen,
		Args:  []chain.TypedValue{u64(2)}, // should be u16
	})
	require.Error(t, err)
	assert.False(t, coord.keygenCalled)
}

func TestDispatchPropagatesCoordinatorError(t *testing.T) {
	sentinel := errors.New("boom")
	coord := &fakeCoordinator{err: sentinel}
	d := dispatcher.New(coord)

	_, err := d.Dispatch(context.Background(), chain.JobCalled{
		JobID: dispatcher.JobKeygen,
		Args:  []chain.TypedValue{u16(1)},
	})
	assert.ErrorIs(t, err, sentinel)
}
