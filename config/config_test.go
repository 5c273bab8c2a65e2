package config

import (
	"testing"

	"github.com/ausocean/btstack/bdaddr"
)

func TestValidateRequiresLocalAddress(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error with no LocalAddress set")
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	c := Config{LocalAddress: bdaddr.Address{Bytes: [6]byte{1}, Type: bdaddr.Public}}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.SMP.MaxKeySize == 0 {
		t.Fatalf("expected SMP defaults to be filled in")
	}
	if c.AVDTP.CommandTimeout == 0 {
		t.Fatalf("expected AVDTP command timeout to be filled in")
	}
	if c.SDPCacheTTL != DefaultSDPCacheTTL {
		t.Fatalf("expected default SDP cache TTL, got %v", c.SDPCacheTTL)
	}
	if c.Logger == nil {
		t.Fatalf("expected a default Logger")
	}
}
