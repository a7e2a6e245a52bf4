package mcpquic

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestMagicBytesRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	if err := SendMagicBytes(&wire); err != nil {
		t.Fatal(err)
	}
	if got := wire.String(); got != MagicBytesMCP {
		t.Fatalf("preamble on the wire: %q", got)
	}
	if err := ValidateMagicBytes(&wire); err != nil {
		t.Fatalf("validate after send: %v", err)
	}
}

func TestValidateMagicBytesRejections(t *testing.T) {
	cases := []struct {
		name  string
		wire  string
		wantE error
	}{
		{"http preamble", "HTTP", ErrInvalidMagicBytes},
		{"tls preamble", "\x16\x03\x01\x00", ErrInvalidMagicBytes},
		{"truncated", "MC", nil}, // short read, any error will do
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMagicBytes(strings.NewReader(tc.wire))
			if err == nil {
				t.Fatal("accepted bad preamble")
			}
			if tc.wantE != nil && !errors.Is(err, tc.wantE) {
				t.Fatalf("err = %v, want %v", err, tc.wantE)
			}
		})
	}
}

func TestProductionQUICConfigDisallowsEarlyData(t *testing.T) {
	qc := ProductionQUICConfig()
	if qc.Allow0RTT {
		t.Fatal("0-RTT enabled")
	}
	if qc.MaxIdleTimeout != DefaultIdleTimeout || qc.KeepAlivePeriod != DefaultKeepAlive {
		t.Fatalf("timeouts: idle=%v keepalive=%v", qc.MaxIdleTimeout, qc.KeepAlivePeriod)
	}
}

func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if n := len(cfg.Certificates); n != 1 {
		t.Fatalf("certificate count: %d", n)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("min TLS version: %x", cfg.MinVersion)
	}
	if !slices.Contains(cfg.NextProtos, ALPNProtocolMCP) {
		t.Fatalf("ALPN list %v lacks %q", cfg.NextProtos, ALPNProtocolMCP)
	}
}

func TestClientTLSConfig(t *testing.T) {
	if !ClientTLSConfig(true).InsecureSkipVerify {
		t.Fatal("insecure mode should skip verification")
	}
	strict := ClientTLSConfig(false)
	if strict.InsecureSkipVerify || strict.MinVersion != tls.VersionTLS13 {
		t.Fatalf("strict config: skip=%v min=%x", strict.InsecureSkipVerify, strict.MinVersion)
	}
}

func TestConnectionErrorFormatting(t *testing.T) {
	cause := errors.New("timeout")
	ce := &ConnectionError{RemoteAddr: "127.0.0.1:8443", Code: ConnErrorProtocolViolation, Err: cause}

	for _, want := range []string{"127.0.0.1:8443", "0x03", "timeout"} {
		if !strings.Contains(ce.Error(), want) {
			t.Errorf("message %q missing %q", ce.Error(), want)
		}
	}
	if !errors.Is(ce, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
}

func TestClientDefaultsAndGuards(t *testing.T) {
	c := NewClient("localhost:9444", nil)
	if c.tls == nil || c.tls.InsecureSkipVerify {
		t.Fatal("nil tlsCfg should default to a verifying config")
	}

	// Every session method fails cleanly before Connect.
	ctx := context.Background()
	if _, err := c.ListTools(ctx); err == nil {
		t.Error("ListTools before Connect")
	}
	if _, err := c.CallTool(ctx, "swarm_queue", nil); err == nil {
		t.Error("CallTool before Connect")
	}
	if err := c.Ping(ctx); err == nil {
		t.Error("Ping before Connect")
	}
}
