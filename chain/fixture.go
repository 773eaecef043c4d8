package chain

import (
	"context"

	"github.com/pkg/errors"
)

// Fixture is an in-memory Client used by tests in this module to stand in
// for a real chain connection.
type Fixture struct {
	Operators map[uint64][]Operator
}

// NewFixture returns a Fixture with no registered blueprints.
func NewFixture() *Fixture {
	return &Fixture{Operators: make(map[uint64][]Operator)}
}

// Register sets the operator set returned for blueprintID.
func (f *Fixture) Register(blueprintID uint64, operators []Operator) {
	f.Operators[blueprintID] = operators
}

func (f *Fixture) CurrentOperators(_ context.Context, blueprintID uint64) ([]Operator, error) {
	ops, ok := f.Operators[blueprintID]
	if !ok {
		return nil, errors.Errorf("chain fixture: no operators registered for blueprint %d", blueprintID)
	}
	for _, op := range ops {
		if op.Key == nil {
			return nil, errors.Errorf("chain fixture: operator %x missing ECDSA key", op.Account)
		}
	}
	out := make([]Operator, len(ops))
	copy(out, ops)
	return out, nil
}

var _ Client = (*Fixture)(nil)
