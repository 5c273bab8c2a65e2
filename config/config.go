/*
NAME
  config.go

DESCRIPTION
  config.go collects the parameters every core engine needs into a
  single Config, the way revid.Config collects capture/encode/output
  parameters for a revid instance.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config provides the unified configuration for a host-side
// Bluetooth stack: pairing policy for smp.Engine, local endpoints for
// avdtp.Engine, and cache/timeout policy for the sdp client, plus the
// ambient logging and bonding-persistence settings every engine shares.
package config

import (
	"time"

	"github.com/ausocean/btstack/avdtp"
	"github.com/ausocean/btstack/bdaddr"
	"github.com/ausocean/btstack/internal/logging"
	"github.com/ausocean/btstack/smp"
)

// Config provides parameters relevant to one running host stack
// instance. A new Config must be passed to each engine's constructor;
// defaults for these fields are applied by Validate.
type Config struct {
	// LocalAddress is this device's own Bluetooth address, used by SMP
	// as the local address committed to by c1/f5/f6 and by SDP/AVDTP for
	// logging.
	LocalAddress bdaddr.Address

	// SMP carries the pairing policy (I/O capability, AuthReq flags, key
	// distribution masks, timeouts) passed to smp.NewEngine.
	SMP smp.Config

	// BondingStorePath is the directory smp.BondingStore watches and
	// persists bond records to, one JSON file per peer.
	BondingStorePath string

	// AVDTP carries the local Stream Endpoints and command timeout
	// passed to avdtp.NewEngine.
	AVDTP avdtp.Config

	// SDPCacheTTL bounds how long the SDP client caches a decoded query
	// result before re-querying the peer.
	SDPCacheTTL time.Duration

	// Logger is shared by every engine for diagnostics.
	Logger logging.Logger
}

// DefaultSDPCacheTTL is the default SDP client cache lifetime, per
// spec.md §4.6.
const DefaultSDPCacheTTL = 60 * time.Second

// DefaultConfig returns a Config with every field defaulted: SMP
// bonding+Secure Connections, no local AVDTP endpoints (the caller must
// register at least one before streaming), and a 60s SDP cache TTL.
func DefaultConfig() Config {
	return Config{
		SMP:         smp.DefaultConfig(),
		AVDTP:       avdtp.Config{CommandTimeout: avdtp.DefaultCommandTimeout},
		SDPCacheTTL: DefaultSDPCacheTTL,
		Logger:      logging.Discard,
	}
}

// Validate reports an error, leaving every field untouched, if
// LocalAddress was never set, since every SMP cryptographic exchange
// commits to it; otherwise it fills in any zero-valued fields with their
// defaults.
func (c *Config) Validate() error {
	if c.LocalAddress.IsZero() {
		return newConfigError("LocalAddress must be set")
	}
	if c.SMP.MaxKeySize == 0 {
		c.SMP = smp.DefaultConfig()
	}
	if c.AVDTP.CommandTimeout == 0 {
		c.AVDTP.CommandTimeout = avdtp.DefaultCommandTimeout
	}
	if c.SDPCacheTTL == 0 {
		c.SDPCacheTTL = DefaultSDPCacheTTL
	}
	if c.Logger == nil {
		c.Logger = logging.Discard
	}
	return nil
}

type configError struct{ msg string }

func (e *configError) Error() string { return "config: " + e.msg }

func newConfigError(msg string) error { return &configError{msg: msg} }
