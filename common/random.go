package common

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/pkg/errors"
)

const mustGetRandomIntMaxBits = 5000

// MustGetRandomInt panics if it is unable to gather entropy from
// rand.Reader or when bits is out of range.
func MustGetRandomInt(bits int) *big.Int {
	if bits <= 0 || mustGetRandomIntMaxBits < bits {
		panic(fmt.Errorf("MustGetRandomInt: bits should be positive, non-zero and at most %d", mustGetRandomIntMaxBits))
	}
	max := new(big.Int).Sub(new(big.Int).Exp(two, big.NewInt(int64(bits)), nil), one)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic(errors.Wrap(err, "rand.Int failure in MustGetRandomInt"))
	}
	return n
}

// GetRandomPositiveInt returns a cryptographically strong pseudo-random
// integer in [0, lessThan).
func GetRandomPositiveInt(lessThan *big.Int) *big.Int {
	if lessThan == nil || zero.Cmp(lessThan) != -1 {
		return nil
	}
	var try *big.Int
	for {
		try = MustGetRandomInt(lessThan.BitLen())
		if try.Cmp(lessThan) < 0 && try.Cmp(zero) >= 0 {
			break
		}
	}
	return try
}

// GetRandomPositiveRelativelyPrimeInt returns a random element of the
// multiplicative group of integers modulo n.
func GetRandomPositiveRelativelyPrimeInt(n *big.Int) *big.Int {
	if n == nil || zero.Cmp(n) != -1 {
		return nil
	}
	for {
		try := MustGetRandomInt(n.BitLen())
		if isNumberInMultiplicativeGroup(n, try) {
			return try
		}
	}
}

func isNumberInMultiplicativeGroup(n, v *big.Int) bool {
	if n == nil || v == nil || zero.Cmp(n) != -1 {
		return false
	}
	gcd := new(big.Int)
	return v.Cmp(n) < 0 && v.Cmp(one) >= 0 && gcd.GCD(nil, nil, v, n).Cmp(one) == 0
}

// GetRandomGeneratorOfTheQuadraticResidue returns a random generator of
// QRn with high probability. Only valid when n is the product of two safe
// primes.
func GetRandomGeneratorOfTheQuadraticResidue(n *big.Int) *big.Int {
	r := GetRandomPositiveRelativelyPrimeInt(n)
	return new(big.Int).Mod(new(big.Int).Mul(r, r), n)
}
