// Package chain defines the boundary to the blockchain client that surfaces
// JobCalled events and resolves a blueprint's operator set. No concrete
// client ships in this repo: resolving a real chain connection, parsing
// on-chain storage, and following finality are outside this module's scope.
package chain

import (
	"context"
	"crypto/ecdsa"
)

// AccountId identifies an on-chain account. Byte ordering of AccountId is
// the ordering tie-break when two operators otherwise compare equal.
type AccountId []byte

// Operator pairs a registered account with the ECDSA public key it has
// advertised for protocol use.
type Operator struct {
	Account AccountId
	Key     *ecdsa.PublicKey
}

// Client is the external chain collaborator. Implementations query the
// chain at the latest finalized head.
type Client interface {
	// CurrentOperators returns every operator currently registered against
	// blueprintID. Implementations must fail with a descriptive error if an
	// operator's ECDSA key is absent rather than returning a partial set.
	CurrentOperators(ctx context.Context, blueprintID uint64) ([]Operator, error)
}

// JobCalled is an inbound trigger surfaced by Client implementations,
// carrying the dispatcher everything it needs to route and validate a job.
type JobCalled struct {
	BlueprintID uint64
	ServiceID   uint64
	CallID      uint64
	JobID       uint8
	Args        []TypedValue
}

// TypedValue is one positional argument of a JobCalled event. Exactly one
// of the fields is populated, matching the argument's declared type.
type TypedValue struct {
	U16   *uint16
	U64   *uint64
	Bytes []byte
}
