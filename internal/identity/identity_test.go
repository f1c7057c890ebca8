package identity

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *mockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, clk *mockClock) *Manager {
	t.Helper()
	m, err := New("test-secret", 24*time.Hour, clk, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New("", time.Hour, newMockClock(), discardLogger()); err == nil {
		t.Fatal("New() with empty secret should fail")
	}
}

func TestClaimAndValidate(t *testing.T) {
	clk := newMockClock()
	m := newTestManager(t, clk)

	cert, err := m.Claim("agent-a", false, nil)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if cert.AgentID != "agent-a" {
		t.Errorf("cert.AgentID = %q, want agent-a", cert.AgentID)
	}
	if cert.ExpiresAt-cert.IssuedAt != (24 * time.Hour).Milliseconds() {
		t.Errorf("cert lifetime = %dms, want 24h", cert.ExpiresAt-cert.IssuedAt)
	}

	valid, agentID := m.Validate(cert)
	if !valid || agentID != "agent-a" {
		t.Fatalf("Validate() = (%v, %q), want (true, agent-a)", valid, agentID)
	}
}

func TestClaimTakenWithoutForce(t *testing.T) {
	clk := newMockClock()
	m := newTestManager(t, clk)

	if _, err := m.Claim("agent-a", false, nil); err != nil {
		t.Fatalf("first Claim() error = %v", err)
	}
	_, err := m.Claim("agent-a", false, nil)
	if !errors.Is(err, ErrIdentityTaken) {
		t.Fatalf("second Claim() error = %v, want ErrIdentityTaken", err)
	}
}

func TestForceReclaimRequiresValidCertificate(t *testing.T) {
	clk := newMockClock()
	m := newTestManager(t, clk)

	orig, err := m.Claim("agent-a", false, nil)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// Force without a certificate is refused.
	if _, err := m.Claim("agent-a", true, nil); !errors.Is(err, ErrIdentityTaken) {
		t.Fatalf("forced Claim() without cert error = %v, want ErrIdentityTaken", err)
	}

	// Force with a certificate for a different id is refused.
	other, err := m.Claim("agent-b", false, nil)
	if err != nil {
		t.Fatalf("Claim(agent-b) error = %v", err)
	}
	if _, err := m.Claim("agent-a", true, &other); !errors.Is(err, ErrIdentityTaken) {
		t.Fatalf("forced Claim() with wrong cert error = %v, want ErrIdentityTaken", err)
	}

	// Force with the original certificate succeeds and rotates it.
	clk.Advance(time.Hour)
	fresh, err := m.Claim("agent-a", true, &orig)
	if err != nil {
		t.Fatalf("forced Claim() with valid cert error = %v", err)
	}
	if fresh.IssuedAt <= orig.IssuedAt {
		t.Errorf("reissued cert IssuedAt = %d, want after %d", fresh.IssuedAt, orig.IssuedAt)
	}
}

func TestValidateRejectsTamperedCertificate(t *testing.T) {
	clk := newMockClock()
	m := newTestManager(t, clk)

	cert, err := m.Claim("agent-a", false, nil)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	tampered := cert
	tampered.AgentID = "agent-b"
	if valid, _ := m.Validate(tampered); valid {
		t.Error("Validate() accepted a certificate with a swapped agent id")
	}

	tampered = cert
	tampered.ExpiresAt += time.Hour.Milliseconds()
	if valid, _ := m.Validate(tampered); valid {
		t.Error("Validate() accepted a certificate with an extended expiry")
	}

	tampered = cert
	tampered.Signature = "deadbeef"
	if valid, _ := m.Validate(tampered); valid {
		t.Error("Validate() accepted a certificate with a bogus signature")
	}
}

func TestExpiredCertificate(t *testing.T) {
	clk := newMockClock()
	m := newTestManager(t, clk)

	cert, err := m.Claim("agent-a", false, nil)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	clk.Advance(24*time.Hour + time.Minute)

	if valid, _ := m.Validate(cert); valid {
		t.Error("Validate() accepted an expired certificate")
	}

	// Expired claim no longer blocks a plain re-claim.
	if _, err := m.Claim("agent-a", false, nil); err != nil {
		t.Fatalf("Claim() after expiry error = %v", err)
	}
}

func TestAuthorizeOverride(t *testing.T) {
	clk := newMockClock()
	m := newTestManager(t, clk)

	cert, err := m.Claim("agent-a", false, nil)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if !m.AuthorizeOverride("agent-a", &cert) {
		t.Error("AuthorizeOverride() = false with a valid certificate")
	}
	if m.AuthorizeOverride("agent-b", &cert) {
		t.Error("AuthorizeOverride() = true for a different agent id")
	}
	if m.AuthorizeOverride("agent-a", nil) {
		t.Error("AuthorizeOverride() = true with no certificate")
	}
}

func TestSweepPurgesExpiredClaims(t *testing.T) {
	clk := newMockClock()
	m := newTestManager(t, clk)

	if _, err := m.Claim("agent-a", false, nil); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if _, err := m.Claim("agent-b", false, nil); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got := m.ActiveClaims(); got != 2 {
		t.Fatalf("ActiveClaims() = %d, want 2", got)
	}

	if purged := m.Sweep(); purged != 0 {
		t.Fatalf("Sweep() = %d, want 0 while claims are live", purged)
	}

	clk.Advance(25 * time.Hour)
	if got := m.ActiveClaims(); got != 0 {
		t.Fatalf("ActiveClaims() after expiry = %d, want 0", got)
	}
	if purged := m.Sweep(); purged != 2 {
		t.Fatalf("Sweep() = %d, want 2", purged)
	}
}
