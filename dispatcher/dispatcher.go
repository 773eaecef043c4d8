// Package dispatcher routes inbound chain.JobCalled events to the
// Coordinator method responsible for them, validating each event's
// argument shape before handing off.
package dispatcher

import (
	"context"
	"fmt"

	golog "github.com/ipfs/go-log"

	"github.com/dfns-blueprint/cggmp21-node/chain"
	"github.com/dfns-blueprint/cggmp21-node/job"
)

var log = golog.Logger("cggmp21-node/dispatcher")

const (
	JobKeygen     uint8 = 0
	JobKeyRefresh uint8 = 1
	JobSign       uint8 = 2
)

// UnsupportedJob is returned for any job id outside the static routing
// table below.
type UnsupportedJob struct {
	JobID uint8
}

func (e *UnsupportedJob) Error() string {
	return fmt.Sprintf("dispatcher: unsupported job id %d", e.JobID)
}

// Coordinator is the subset of job.Coordinator's behavior the dispatcher
// depends on, named here so this package can be tested against a double
// without importing job's full surface.
type Coordinator interface {
	Keygen(ctx context.Context, blueprintID, callID uint64, t uint16) ([]byte, error)
	KeyRefresh(ctx context.Context, blueprintID, callID, keygenCallID uint64) ([]byte, error)
	Sign(ctx context.Context, blueprintID, callID, keygenCallID uint64, message []byte) ([]byte, error)
}

var _ Coordinator = (*job.Coordinator)(nil)

type jobHandler func(ctx context.Context, coord Coordinator, call chain.JobCalled) ([]byte, error)

var routes = map[uint8]jobHandler{
	JobKeygen:     dispatchKeygen,
	JobKeyRefresh: dispatchKeyRefresh,
	JobSign:       dispatchSign,
}

// Dispatcher routes JobCalled events to a Coordinator using the static
// table keyed by job id: 0 -> keygen, 1 -> key_refresh, 2 -> sign.
type Dispatcher struct {
	coord Coordinator
}

// New wires a Dispatcher to the Coordinator it routes every recognized job
// id to.
func New(coord Coordinator) *Dispatcher {
	return &Dispatcher{coord: coord}
}

// Dispatch validates call's argument shape for its job id, extracts the
// typed arguments, and hands off to the matching Coordinator method. An
// unrecognized job id returns *UnsupportedJob without touching the
// Coordinator.
func (d *Dispatcher) Dispatch(ctx context.Context, call chain.JobCalled) ([]byte, error) {
	handler, ok := routes[call.JobID]
	if !ok {
		log.Warnf("dispatcher: rejecting call_id=%d with unsupported job_id=%d", call.CallID, call.JobID)
		return nil, &UnsupportedJob{JobID: call.JobID}
	}
	log.Infof("dispatcher: routing call_id=%d job_id=%d to blueprint=%d", call.CallID, call.JobID, call.BlueprintID)
	return handler(ctx, d.coord, call)
}

func dispatchKeygen(ctx context.Context, coord Coordinator, call chain.JobCalled) ([]byte, error) {
	t, err := requireU16(call, 0)
	if err != nil {
		return nil, err
	}
	return coord.Keygen(ctx, call.BlueprintID, call.CallID, t)
}

func dispatchKeyRefresh(ctx context.Context, coord Coordinator, call chain.JobCalled) ([]byte, error) {
	keygenCallID, err := requireU64(call, 0)
	if err != nil {
		return nil, err
	}
	return coord.KeyRefresh(ctx, call.BlueprintID, call.CallID, keygenCallID)
}

func dispatchSign(ctx context.Context, coord Coordinator, call chain.JobCalled) ([]byte, error) {
	keygenCallID, err := requireU64(call, 0)
	if err != nil {
		return nil, err
	}
	message, err := requireBytes(call, 1)
	if err != nil {
		return nil, err
	}
	return coord.Sign(ctx, call.BlueprintID, call.CallID, keygenCallID, message)
}

func requireU16(call chain.JobCalled, pos int) (uint16, error) {
	v, err := argAt(call, pos)
	if err != nil {
		return 0, err
	}
	if v.U16 == nil {
		return 0, fmt.Errorf("dispatcher: job_id=%d call_id=%d arg %d must be u16", call.JobID, call.CallID, pos)
	}
	return *v.U16, nil
}

func requireU64(call chain.JobCalled, pos int) (uint64, error) {
	v, err := argAt(call, pos)
	if err != nil {
		return 0, err
	}
	if v.U64 == nil {
		return 0, fmt.Errorf("dispatcher: job_id=%d call_id=%d arg %d must be u64", call.JobID, call.CallID, pos)
	}
	return *v.U64, nil
}

func requireBytes(call chain.JobCalled, pos int) ([]byte, error) {
	v, err := argAt(call, pos)
	if err != nil {
		return nil, err
	}
	if v.Bytes == nil {
		return nil, fmt.Errorf("dispatcher: job_id=%d call_id=%d arg %d must be bytes", call.JobID, call.CallID, pos)
	}
	return v.Bytes, nil
}

func argAt(call chain.JobCalled, pos int) (chain.TypedValue, error) {
	if pos >= len(call.Args) {
		return chain.TypedValue{}, fmt.Errorf("dispatcher: job_id=%d call_id=%d expected at least %d args, got %d", call.JobID, call.CallID, pos+1, len(call.Args))
	}
	return call.Args[pos], nil
}
