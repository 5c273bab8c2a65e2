/*
NAME
  addr.go

DESCRIPTION
  Package bdaddr provides the Address type shared by every engine, replacing
  the all-zero-means-absent idiom with an explicit optional value at call
  sites that need to say "no identity address yet".

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package bdaddr provides Bluetooth device address types shared across the
// smp, avdtp and sdp packages.
package bdaddr

import "fmt"

// Type distinguishes a public address from a resolvable/static random one.
type Type uint8

const (
	Public Type = iota
	Random
)

func (t Type) String() string {
	if t == Random {
		return "random"
	}
	return "public"
}

// Address is a 6-octet Bluetooth device address, little-endian as it
// appears on the wire (Bytes[0] is the least significant octet).
type Address struct {
	Bytes [6]byte
	Type  Type
}

// IsZero reports whether a is the all-zero address. This is provided only
// for display/logging convenience — callers must never use it to mean
// "identity address absent"; use a *Address for that.
func (a Address) IsZero() bool {
	return a.Bytes == [6]byte{}
}

// String renders the address in conventional colon-hex big-endian display
// order (reverse of the wire's little-endian byte order).
func (a Address) String() string {
	b := a.Bytes
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X (%s)", b[5], b[4], b[3], b[2], b[1], b[0], a.Type)
}

// Canonical returns a string suitable as a stable map/file key: big-endian
// hex with the address type appended, so public and random addresses with
// the same bytes never collide.
func (a Address) Canonical() string {
	b := a.Bytes
	suffix := "p"
	if a.Type == Random {
		suffix = "r"
	}
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x-%s", b[5], b[4], b[3], b[2], b[1], b[0], suffix)
}

// Equal reports whether a and o refer to the same address and type.
func (a Address) Equal(o Address) bool {
	return a.Bytes == o.Bytes && a.Type == o.Type
}

// Parse reverses Canonical, for loading addresses back out of a bonding
// store or config file.
func Parse(s string) (Address, error) {
	var a Address
	if len(s) != 14 || s[12] != '-' {
		return a, fmt.Errorf("bdaddr: malformed canonical address %q", s)
	}
	var b [6]byte
	if _, err := fmt.Sscanf(s[:12], "%02x%02x%02x%02x%02x%02x", &b[5], &b[4], &b[3], &b[2], &b[1], &b[0]); err != nil {
		return a, fmt.Errorf("bdaddr: parsing canonical address %q: %w", s, err)
	}
	a.Bytes = b
	switch s[13] {
	case 'p':
		a.Type = Public
	case 'r':
		a.Type = Random
	default:
		return a, fmt.Errorf("bdaddr: unknown address-type suffix in %q", s)
	}
	return a, nil
}
