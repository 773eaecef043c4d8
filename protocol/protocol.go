// Package protocol defines the boundary to the CGGMP21 threshold-ECDSA
// library: the cryptographic rounds themselves are an external black box,
// consumed only through this interface. See protocol/refengine for the
// Shamir-secret-sharing-based reference implementation this repo ships in
// place of the real rounds, used to exercise the job coordinators in tests.
package protocol

import (
	"context"

	"github.com/dfns-blueprint/cggmp21-node/netadapter"
	"github.com/dfns-blueprint/cggmp21-node/sessionstore"
)

// Engine drives the four CGGMP21 ceremonies over an already-opened network
// channel. Every method is a suspension point: implementations must respect
// ctx cancellation at every round boundary.
type Engine interface {
	// Keygen runs distributed key generation among the committee behind ch,
	// producing the core key share and the shared public key. Pregenerated
	// safe primes are handled separately by GeneratePrimes so the job
	// coordinator can dispatch that CPU-bound step off the event loop.
	Keygen(ctx context.Context, ch *netadapter.Channel, selfIndex uint16, parties []uint16, threshold int) (*sessionstore.KeygenOutput, error)

	// GeneratePrimes generates this party's pregenerated safe primes for an
	// upcoming or completed keygen. It performs no network I/O.
	GeneratePrimes(ctx context.Context, bits int) ([]byte, error)

	// AuxInfoGen runs the auxiliary-information sub-ceremony, combining its
	// result with core to produce a signing-capable FullKeyShare.
	AuxInfoGen(ctx context.Context, ch *netadapter.Channel, selfIndex uint16, parties []uint16, core *sessionstore.KeygenOutput) (*sessionstore.FullKeyShare, error)

	// KeyRefresh runs the key-refresh ceremony over an existing
	// FullKeyShare, producing a new one whose SharedPublicKey is identical.
	KeyRefresh(ctx context.Context, ch *netadapter.Channel, selfIndex uint16, parties []uint16, aux *sessionstore.FullKeyShare) (*sessionstore.FullKeyShare, error)

	// Sign runs threshold signing among signerIndices (which must include
	// selfIndex), returning the 65-byte (r, s, recovery_id) signature.
	Sign(ctx context.Context, ch *netadapter.Channel, selfIndex uint16, signerIndices []uint16, share *sessionstore.FullKeyShare, digest []byte) ([]byte, error)
}
