// Package committee resolves a blueprint's operator set into the ordered,
// index-stable sequence every honest party derives identically, adapting
// the sort-by-key, assign-index idiom of a classic PartyID list to
// chain-sourced operators.
package committee

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"sort"

	golog "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/dfns-blueprint/cggmp21-node/chain"
)

var log = golog.Logger("cggmp21-node/committee")

// ErrNotInCommittee is returned by PartyIndexAndParties when the caller's
// own account is absent from the resolved operator set.
var ErrNotInCommittee = errors.New("local account is not a member of the committee")

// Member is one indexed party in a resolved Committee.
type Member struct {
	Index   uint16
	Account chain.AccountId
	Key     *ecdsa.PublicKey
}

// Committee is the ordered, index-stable sequence of operators serving a
// blueprint at the moment it was resolved. The snapshot is immutable for
// the lifetime of a ceremony.
type Committee struct {
	members []Member
}

// Len returns n, the committee size.
func (c *Committee) Len() int {
	return len(c.members)
}

// Members returns the ordered member list. Callers must not mutate it.
func (c *Committee) Members() []Member {
	return c.members
}

// Parties returns the index -> public key map the network adapter and
// protocol engine consume.
func (c *Committee) Parties() map[uint16]*ecdsa.PublicKey {
	parties := make(map[uint16]*ecdsa.PublicKey, len(c.members))
	for _, m := range c.members {
		parties[m.Index] = m.Key
	}
	return parties
}

// Resolver turns a chain.Client's operator set into an ordered Committee and
// locates the caller's own index within it.
type Resolver struct {
	client chain.Client
}

// NewResolver constructs a Resolver backed by client.
func NewResolver(client chain.Client) *Resolver {
	return &Resolver{client: client}
}

// CurrentCommittee queries the chain for the operator set registered under
// blueprintID and returns it as an ordered Committee, lexicographically
// ordered by AccountId. AccountId byte ordering is the determinism
// tie-break: every honest party must derive the same ordering from the same
// on-chain snapshot.
func (r *Resolver) CurrentCommittee(ctx context.Context, blueprintID uint64) (*Committee, error) {
	operators, err := r.client.CurrentOperators(ctx, blueprintID)
	if err != nil {
		return nil, errors.Wrap(err, "committee: resolving current operators")
	}
	sorted := make([]chain.Operator, len(operators))
	copy(sorted, operators)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Account, sorted[j].Account) < 0
	})
	members := make([]Member, len(sorted))
	for i, op := range sorted {
		members[i] = Member{Index: uint16(i), Account: op.Account, Key: op.Key}
	}
	log.Debugf("resolved committee for blueprint %d: %d members", blueprintID, len(members))
	return &Committee{members: members}, nil
}

// PartyIndexAndParties resolves the committee for blueprintID and returns
// the caller's own index within it plus the full index -> public key map.
// Fails with ErrNotInCommittee if self is absent from the resolved set.
func (r *Resolver) PartyIndexAndParties(ctx context.Context, blueprintID uint64, self chain.AccountId) (uint16, *Committee, error) {
	c, err := r.CurrentCommittee(ctx, blueprintID)
	if err != nil {
		return 0, nil, err
	}
	for _, m := range c.members {
		if bytes.Equal(m.Account, self) {
			return m.Index, c, nil
		}
	}
	return 0, nil, ErrNotInCommittee
}
