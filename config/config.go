// Package config holds this node's runtime configuration: the network
// identity, store location, and per-ceremony timeouts every job coordinator
// needs. There is no file-format parser here — CLI/config-file
// bootstrapping is out of scope; callers build a Config struct directly and
// pass it through New to fill in defaults.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"time"
)

const (
	DefaultNetworkProtocolID = "/dfns/cggmp21/1.0.0"
	DefaultKeygenTimeout     = 10 * time.Minute
	DefaultRefreshTimeout    = 5 * time.Minute
	DefaultSignTimeout       = 2 * time.Minute
	DefaultInboundQueueSize  = 256
	DefaultPrimeBits         = 1024
)

// Config is one node's full runtime configuration.
type Config struct {
	KeystoreURI       string
	NetworkProtocolID string
	NodeIdentity      *ecdsa.PrivateKey
	ChainEndpoint     string
	KeygenTimeout     time.Duration
	RefreshTimeout    time.Duration
	SignTimeout       time.Duration
	InboundQueueSize  int
	PrimeBits         int
}

// New returns a copy of cfg with every zero-valued field replaced by its
// default, then validates the result.
func New(cfg Config) (*Config, error) {
	out := cfg
	if out.NetworkProtocolID == "" {
		out.NetworkProtocolID = DefaultNetworkProtocolID
	}
	if out.KeygenTimeout == 0 {
		out.KeygenTimeout = DefaultKeygenTimeout
	}
	if out.RefreshTimeout == 0 {
		out.RefreshTimeout = DefaultRefreshTimeout
	}
	if out.SignTimeout == 0 {
		out.SignTimeout = DefaultSignTimeout
	}
	if out.InboundQueueSize == 0 {
		out.InboundQueueSize = DefaultInboundQueueSize
	}
	if out.PrimeBits == 0 {
		out.PrimeBits = DefaultPrimeBits
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate reports the first missing required field, if any.
func (c *Config) Validate() error {
	if c.KeystoreURI == "" {
		return fmt.Errorf("config: KeystoreURI is required")
	}
	if c.ChainEndpoint == "" {
		return fmt.Errorf("config: ChainEndpoint is required")
	}
	if c.NodeIdentity == nil {
		return fmt.Errorf("config: NodeIdentity is required")
	}
	return nil
}
