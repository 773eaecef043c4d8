// Package netadapter translates a peer-to-peer gossip transport into the
// typed, round-based channel the CGGMP21 rounds consume: per-execution-id
// demultiplexing, per-peer bounded inbound queues, envelope authentication,
// and backpressure/"lagging peer" events, grounded on the ordered-party
// addressing idiom of a classic PeerContext.
package netadapter

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	golog "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/dfns-blueprint/cggmp21-node/wire"
)

var log = golog.Logger("cggmp21-node/netadapter")

// Transport is the external gossip collaborator: a process-wide, reference-
// counted handle over the real libp2p transport. This repo ships only the
// Multiplexer built atop it, plus an in-memory test double (see mocknet.go).
type Transport interface {
	// Broadcast sends raw envelope bytes to every party in the committee.
	Broadcast(ctx context.Context, data []byte) error
	// SendTo sends raw envelope bytes to a single party index.
	SendTo(ctx context.Context, to uint16, data []byte) error
	// Inbox delivers raw envelope bytes received from any peer, for any
	// ceremony; the Multiplexer demultiplexes by execution id.
	Inbox() <-chan []byte
}

// ErrUnregistered is returned by Channel operations after the channel has
// been unregistered (ceremony ended or was cancelled).
var ErrUnregistered = errors.New("netadapter: channel unregistered")

// Multiplexer owns the shared, process-wide Transport and hands out
// per-ceremony Channels keyed by execution id. It is safe for concurrent
// use; mutation is restricted to registering/unregistering a ceremony's
// demux slot.
type Multiplexer struct {
	transport Transport

	mu    sync.Mutex
	slots map[[wire.ExecutionIdSize]byte]*Channel

	done chan struct{}
}

// NewMultiplexer starts the demultiplexing pump over transport. Call
// Shutdown to stop it.
func NewMultiplexer(transport Transport) *Multiplexer {
	m := &Multiplexer{
		transport: transport,
		slots:     make(map[[wire.ExecutionIdSize]byte]*Channel),
		done:      make(chan struct{}),
	}
	go m.pump()
	return m
}

// Shutdown stops the demultiplexing pump. Registered channels are not
// automatically unregistered.
func (m *Multiplexer) Shutdown() {
	close(m.done)
}

func (m *Multiplexer) pump() {
	for {
		select {
		case <-m.done:
			return
		case raw, ok := <-m.transport.Inbox():
			if !ok {
				return
			}
			env, err := wire.Unmarshal(raw)
			if err != nil {
				log.Warnf("netadapter: dropping malformed envelope: %v", err)
				continue
			}
			m.route(env)
		}
	}
}

func (m *Multiplexer) route(env *wire.Envelope) {
	m.mu.Lock()
	ch, ok := m.slots[env.ExecutionId]
	m.mu.Unlock()
	if !ok {
		// No ceremony is currently listening on this execution id; this is
		// expected for late-arriving retransmits after a ceremony ends.
		return
	}
	ch.deliver(env)
}

// Register opens a Channel scoped to (executionId, selfIndex, parties). The
// Multiplexer takes an immutable snapshot of parties for authenticating
// every inbound envelope for the life of the Channel.
func (m *Multiplexer) Register(
	executionId [wire.ExecutionIdSize]byte,
	selfIndex uint16,
	parties map[uint16]*ecdsa.PublicKey,
	identity *ecdsa.PrivateKey,
	queueSize int,
) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.slots[executionId]; exists {
		return nil, fmt.Errorf("netadapter: execution id %x already registered", executionId)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	partiesCopy := make(map[uint16]*ecdsa.PublicKey, len(parties))
	for idx, key := range parties {
		partiesCopy[idx] = key
	}
	ch := &Channel{
		mux:         m,
		executionId: executionId,
		selfIndex:   selfIndex,
		parties:     partiesCopy,
		identity:    identity,
		queueSize:   queueSize,
		inbound:     make(map[uint16]chan *wire.Envelope),
		seen:        make(map[uint16]map[string]bool),
	}
	m.slots[executionId] = ch
	log.Debugf("netadapter: registered execution id %x (self=%d, parties=%d)", executionId, selfIndex, len(parties))
	return ch, nil
}

func (m *Multiplexer) unregister(executionId [wire.ExecutionIdSize]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, executionId)
	log.Debugf("netadapter: unregistered execution id %x", executionId)
}

// Channel is the round-based, typed view of the transport scoped to a
// single ceremony. It is not safe for use after Close.
type Channel struct {
	mux         *Multiplexer
	executionId [wire.ExecutionIdSize]byte
	selfIndex   uint16
	parties     map[uint16]*ecdsa.PublicKey
	identity    *ecdsa.PrivateKey
	queueSize   int

	mu      sync.Mutex
	closed  bool
	inbound map[uint16]chan *wire.Envelope // per-sender bounded queue
	seen    map[uint16]map[string]bool     // per-sender dedup of round-payload fingerprints
}

// Broadcast signs payload and sends it to every party in the committee.
func (c *Channel) Broadcast(ctx context.Context, payload []byte) error {
	env := c.buildEnvelope(wire.Recipient{Broadcast: true}, payload)
	if err := c.sign(env); err != nil {
		return err
	}
	if err := c.mux.transport.Broadcast(ctx, env.Marshal()); err != nil {
		return errors.Wrap(err, "netadapter: broadcast")
	}
	return nil
}

// Send signs payload and sends it to a single party index.
func (c *Channel) Send(ctx context.Context, to uint16, payload []byte) error {
	env := c.buildEnvelope(wire.Recipient{Broadcast: false, To: to}, payload)
	if err := c.sign(env); err != nil {
		return err
	}
	if err := c.mux.transport.SendTo(ctx, to, env.Marshal()); err != nil {
		return errors.Wrap(err, "netadapter: send")
	}
	return nil
}

// Recv blocks until a message from sender arrives, ctx is done, or the
// channel is closed.
func (c *Channel) Recv(ctx context.Context, sender uint16) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrUnregistered
	}
	q, ok := c.inbound[sender]
	if !ok {
		q = make(chan *wire.Envelope, c.queueSize)
		c.inbound[sender] = q
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case env, ok := <-q:
		if !ok {
			return nil, ErrUnregistered
		}
		return env.RoundPayload, nil
	}
}

// Close unregisters the channel's execution-id demux slot. Any goroutine
// blocked in Recv observes ErrUnregistered.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, q := range c.inbound {
		close(q)
	}
	c.mu.Unlock()
	c.mux.unregister(c.executionId)
}

func (c *Channel) buildEnvelope(recipient wire.Recipient, payload []byte) *wire.Envelope {
	return &wire.Envelope{
		ExecutionId:  c.executionId,
		SenderIndex:  c.selfIndex,
		Recipient:    recipient,
		RoundPayload: payload,
	}
}

func (c *Channel) sign(env *wire.Envelope) error {
	digest := sha256.Sum256(env.SignedBytes())
	r, s, err := ecdsa.Sign(rand.Reader, c.identity, digest[:])
	if err != nil {
		return errors.Wrap(err, "netadapter: signing envelope")
	}
	env.Signature = fixedWidthSignature(r, s, c.identity.Curve)
	return nil
}

func fixedWidthSignature(r, s *big.Int, curve elliptic.Curve) []byte {
	byteSize := (curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*byteSize)
	r.FillBytes(out[:byteSize])
	s.FillBytes(out[byteSize:])
	return out
}

func verifySignature(pub *ecdsa.PublicKey, signed []byte, sig []byte) bool {
	byteSize := (pub.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*byteSize {
		return false
	}
	r := new(big.Int).SetBytes(sig[:byteSize])
	s := new(big.Int).SetBytes(sig[byteSize:])
	digest := sha256.Sum256(signed)
	return ecdsa.Verify(pub, digest[:], r, s)
}

// deliver authenticates and routes one inbound envelope to its sender's
// bounded queue, enforcing FIFO-per-sender ordering, duplicate dropping,
// and overflow backpressure. A duplicate is an envelope whose round payload
// has the same SHA-256 digest as an earlier one from the same sender; the
// envelope carries no round tag, so identical payloads are dropped whatever
// round they belong to.
func (c *Channel) deliver(env *wire.Envelope) {
	senderKey, ok := c.parties[env.SenderIndex]
	if !ok {
		log.Warnf("netadapter: envelope from unknown party index %d dropped", env.SenderIndex)
		return
	}
	if !verifySignature(senderKey, env.SignedBytes(), env.Signature) {
		log.Warnf("netadapter: envelope from party %d failed signature verification, dropping", env.SenderIndex)
		return
	}
	if !env.Recipient.Broadcast && env.Recipient.To != c.selfIndex {
		return
	}

	payloadDigest := sha256.Sum256(env.RoundPayload)
	fingerprint := string(payloadDigest[:])

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.seen[env.SenderIndex] == nil {
		c.seen[env.SenderIndex] = make(map[string]bool)
	}
	if c.seen[env.SenderIndex][fingerprint] {
		c.mu.Unlock()
		return // duplicate (sender, payload) pair
	}
	c.seen[env.SenderIndex][fingerprint] = true

	q, ok := c.inbound[env.SenderIndex]
	if !ok {
		q = make(chan *wire.Envelope, c.queueSize)
		c.inbound[env.SenderIndex] = q
	}
	c.mu.Unlock()

	select {
	case q <- env:
	default:
		// Queue is full: drop the oldest unconsumed message from this peer
		// and surface a lagging-peer event, per spec's backpressure design.
		select {
		case <-q:
		default:
		}
		select {
		case q <- env:
		default:
		}
		log.Warnf("netadapter: peer %d is lagging; dropped oldest queued message", env.SenderIndex)
	}
}
