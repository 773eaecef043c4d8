// Package vss implements Feldman verifiable secret sharing: splitting a
// scalar into threshold-reconstructible shares carrying publicly
// checkable commitments. The reference protocol engine uses it as a
// trusted-dealer stand-in for the real CGGMP21 distributed keygen, which
// never hands the secret to a single party the way this package's Split
// does.
package vss

import (
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	"github.com/dfns-blueprint/cggmp21-node/common"
	"github.com/dfns-blueprint/cggmp21-node/crypto"
)

// Share is one party's evaluation of the dealer's sharing polynomial.
type Share struct {
	Threshold int
	ID        *big.Int // evaluation point; must never be 0
	Value     *big.Int // polynomial value at ID
}

// Shares is a set of shares gathered toward reconstruction.
type Shares []*Share

// Commitments is the Feldman verification vector: an EC commitment to
// each coefficient of the sharing polynomial, lowest degree first.
// Commitments[0] commits to the secret itself.
type Commitments []*crypto.Point

// ErrBelowThreshold is returned whenever an operation is attempted with
// fewer shares, or fewer share recipients, than the threshold requires.
var ErrBelowThreshold = errors.New("vss: fewer parties than the reconstruction threshold requires")

// Split samples a random degree-threshold polynomial with constant term
// secret, evaluates it at each of ids, and returns the resulting
// commitments alongside one Share per id (in the same order as ids).
func Split(ec elliptic.Curve, threshold int, secret *big.Int, ids []*big.Int) (Commitments, Shares, error) {
	if secret == nil || ids == nil {
		return nil, nil, fmt.Errorf("vss: secret and ids must both be non-nil")
	}
	if threshold < 0 {
		return nil, nil, fmt.Errorf("vss: threshold must not be negative, got %d", threshold)
	}
	if err := requireDistinctNonZero(ec, ids); err != nil {
		return nil, nil, err
	}
	if len(ids) < threshold {
		return nil, nil, ErrBelowThreshold
	}

	coeffs := randomPolynomial(ec, threshold, secret)
	commitments := make(Commitments, len(coeffs))
	for i, c := range coeffs {
		commitments[i] = crypto.ScalarBaseMult(ec, c)
	}

	shares := make(Shares, len(ids))
	for i, id := range ids {
		shares[i] = &Share{Threshold: threshold, ID: id, Value: evaluatePolynomial(ec, coeffs, id)}
	}
	return commitments, shares, nil
}

// requireDistinctNonZero rejects a set of evaluation points containing a
// duplicate, or the value 0 (which would collide with the polynomial's
// own constant term once reduced mod the curve order).
func requireDistinctNonZero(ec elliptic.Curve, ids []*big.Int) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		reduced := new(big.Int).Mod(id, ec.Params().N)
		if reduced.Sign() == 0 {
			return errors.New("vss: evaluation point must not be 0")
		}
		key := reduced.String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("vss: duplicate evaluation point %s", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Verify reports whether share is consistent with commitments: that
// share.Value*G equals the verification vector evaluated in the
// exponent at share.ID.
func (share *Share) Verify(ec elliptic.Curve, commitments Commitments) bool {
	if commitments == nil || share.Threshold != len(commitments)-1 {
		return false
	}
	want, err := evalCommitmentsAt(ec, commitments, share.ID)
	if err != nil {
		return false
	}
	got := crypto.ScalarBaseMult(ec, share.Value)
	return got.Equals(want)
}

// PublicShareAt evaluates commitments in the exponent at id, yielding
// the EC point any party's secret share would need to reveal to pass
// Verify — without anyone ever reconstructing that party's actual
// share. The reference engine uses this to publish per-party public
// share commitments alongside a FullKeyShare.
func PublicShareAt(ec elliptic.Curve, commitments Commitments, id *big.Int) (*crypto.Point, error) {
	return evalCommitmentsAt(ec, commitments, id)
}

func evalCommitmentsAt(ec elliptic.Curve, commitments Commitments, id *big.Int) (*crypto.Point, error) {
	modQ := common.ModInt(ec.Params().N)
	acc, power := commitments[0], big.NewInt(1)
	for j := 1; j < len(commitments); j++ {
		power = modQ.Mul(power, id)
		term := commitments[j].ScalarMult(power)
		var err error
		acc, err = acc.Add(term)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// Combine reconstructs the shared secret at x=0 via Lagrange
// interpolation over shares. It requires more shares than the common
// threshold recorded on shares[0].
func (shares Shares) Combine(ec elliptic.Curve) (*big.Int, error) {
	if len(shares) == 0 || shares[0].Threshold >= len(shares) {
		return nil, ErrBelowThreshold
	}
	modN := common.ModInt(ec.Params().N)

	ids := make([]*big.Int, len(shares))
	for i, s := range shares {
		ids[i] = s.ID
	}

	secret := big.NewInt(0)
	for i, s := range shares {
		if !common.IsInInterval(s.Value, ec.Params().N) {
			return nil, fmt.Errorf("vss: share at index %d carries an out-of-range value", i)
		}
		coeff := lagrangeCoefficientAtZero(ec, ids, i)
		secret = modN.Add(secret, modN.Mul(s.Value, coeff))
	}
	return secret, nil
}

// lagrangeCoefficientAtZero computes the i-th Lagrange basis polynomial,
// evaluated at x=0, over the evaluation points in ids.
func lagrangeCoefficientAtZero(ec elliptic.Curve, ids []*big.Int, i int) *big.Int {
	modN := common.ModInt(ec.Params().N)
	coeff := big.NewInt(1)
	for j, idJ := range ids {
		if j == i {
			continue
		}
		// term = idJ / (idJ - ids[i])
		denom := modN.Sub(idJ, ids[i])
		term := modN.Mul(idJ, modN.ModInverse(denom))
		coeff = modN.Mul(coeff, term)
	}
	return coeff
}

func randomPolynomial(ec elliptic.Curve, threshold int, secret *big.Int) []*big.Int {
	q := ec.Params().N
	coeffs := make([]*big.Int, threshold+1)
	coeffs[0] = secret
	for i := 1; i <= threshold; i++ {
		coeffs[i] = common.GetRandomPositiveInt(q)
	}
	return coeffs
}

// evaluatePolynomial computes coeffs[0] + coeffs[1]*id + coeffs[2]*id^2 +
// ... + coeffs[t]*id^t, reduced mod the curve order, accumulating
// successive powers of id rather than exponentiating for each term.
func evaluatePolynomial(ec elliptic.Curve, coeffs []*big.Int, id *big.Int) *big.Int {
	modQ := common.ModInt(ec.Params().N)
	result := new(big.Int).Set(coeffs[0])
	power := big.NewInt(1)
	for i := 1; i < len(coeffs); i++ {
		power = modQ.Mul(power, id)
		result = modQ.Add(result, modQ.Mul(coeffs[i], power))
	}
	return result
}
