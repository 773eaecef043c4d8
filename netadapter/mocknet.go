package netadapter

import "context"

// Mocknet is an in-memory Transport connecting every party registered via
// NewParty into a single shared broadcast domain, used by this module's own
// tests in place of the real libp2p gossip transport.
type Mocknet struct {
	parties map[uint16]chan []byte
}

// NewMocknet returns an empty Mocknet.
func NewMocknet() *Mocknet {
	return &Mocknet{parties: make(map[uint16]chan []byte)}
}

// NewParty registers party index idx and returns the Transport it should
// use to Register a Channel on its own Multiplexer.
func (m *Mocknet) NewParty(idx uint16) Transport {
	ch := make(chan []byte, 4096)
	m.parties[idx] = ch
	return &mocknetTransport{net: m, self: idx, inbox: ch}
}

type mocknetTransport struct {
	net   *Mocknet
	self  uint16
	inbox chan []byte
}

func (t *mocknetTransport) Broadcast(ctx context.Context, data []byte) error {
	for idx, ch := range t.net.parties {
		if idx == t.self {
			continue
		}
		select {
		case ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *mocknetTransport) SendTo(ctx context.Context, to uint16, data []byte) error {
	ch, ok := t.net.parties[to]
	if !ok {
		return nil
	}
	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *mocknetTransport) Inbox() <-chan []byte {
	return t.inbox
}

var _ Transport = (*mocknetTransport)(nil)
