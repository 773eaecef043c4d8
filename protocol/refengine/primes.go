package refengine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/dfns-blueprint/cggmp21-node/common"
)

// generatePregeneratedPrimes performs the CPU-bound safe-prime generation
// CGGMP21 keygen needs (two safe primes per party, used to build the
// Paillier-ring modulus Ntilde and its generators h1, h2).
func generatePregeneratedPrimes(ctx context.Context, bits int, concurrency int) ([]byte, error) {
	primes, err := common.GetRandomSafePrimesConcurrent(ctx, bits, 2, concurrency)
	if err != nil {
		return nil, fmt.Errorf("refengine: generating safe primes: %w", err)
	}
	p, q := primes[0].SafePrime(), primes[1].SafePrime()
	nTilde, h1, h2, err := generateNTildei([2]*big.Int{p, q})
	if err != nil {
		return nil, err
	}
	return encodePregeneratedPrimes(p, q, nTilde, h1, h2), nil
}

// generateNTildei builds the Paillier-ring modulus and its two generators
// from a pair of already-validated safe primes.
func generateNTildei(safePrimes [2]*big.Int) (nTildei, h1i, h2i *big.Int, err error) {
	if safePrimes[0] == nil || safePrimes[1] == nil {
		return nil, nil, nil, fmt.Errorf("generateNTildei: needs two primes, got %v", safePrimes)
	}
	if !safePrimes[0].ProbablyPrime(30) || !safePrimes[1].ProbablyPrime(30) {
		return nil, nil, nil, fmt.Errorf("generateNTildei: expected two primes")
	}
	nTildei = new(big.Int).Mul(safePrimes[0], safePrimes[1])
	h1 := common.GetRandomGeneratorOfTheQuadraticResidue(nTildei)
	h2 := common.GetRandomGeneratorOfTheQuadraticResidue(nTildei)
	return nTildei, h1, h2, nil
}
