// Package identity manages agent identity claims and the HMAC certificates
// that prove ownership of an agent id across reconnects.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"
	"golang.org/x/crypto/hkdf"

	"github.com/agentmesh/agentmesh/internal/clock"
	"github.com/agentmesh/agentmesh/internal/protocol"
)

// ErrIdentityTaken is returned by Claim when the agent id already has an
// unexpired claim and the caller cannot prove ownership.
var ErrIdentityTaken = errors.New("agent id already claimed")

// Certificate is an HMAC-signed proof of ownership of an agent id.
// Immutable once issued. Timestamps are unix milliseconds.
type Certificate struct {
	AgentID   string `json:"agent_id"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	CertHash  string `json:"cert_hash"`
	Signature string `json:"signature"`
}

// claim pairs the current certificate for an agent id with when it was made.
type claim struct {
	cert      Certificate
	claimedAt time.Time
}

// Manager owns all identity claims for the hub. The signing key never leaves
// this package; callers only see certificates and validation verdicts.
type Manager struct {
	mu     sync.RWMutex
	claims map[string]claim

	key []byte
	ttl time.Duration
	clk clock.Clock
	log *slog.Logger
}

// hkdfInfo binds derived keys to their purpose so the same secret can safely
// be reused for other derivations later.
const hkdfInfo = "agentmesh certificate signing v1"

// New creates a Manager. The HMAC signing key is derived from the configured
// secret with HKDF-SHA256 rather than used raw, so a short or structured
// secret still yields a uniform 32-byte key.
func New(secret string, certTTL time.Duration, clk clock.Clock, log *slog.Logger) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("identity: secret key is required")
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	return &Manager{
		claims: make(map[string]claim),
		key:    key,
		ttl:    certTTL,
		clk:    clk,
		log:    log.With("component", "identity"),
	}, nil
}

// Claim mints a certificate for agentID. If an unexpired claim already
// exists, the caller must set force and present a valid certificate for the
// same agent id; otherwise ErrIdentityTaken is returned.
func (m *Manager) Claim(agentID string, force bool, presented *Certificate) (Certificate, error) {
	if agentID == "" {
		return Certificate{}, errors.New("agent id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	if cl, ok := m.claims[agentID]; ok && now.UnixMilli() < cl.cert.ExpiresAt {
		if !force {
			return Certificate{}, fmt.Errorf("%w: %s", ErrIdentityTaken, agentID)
		}
		if presented == nil || !m.validLocked(*presented, now) || presented.AgentID != agentID {
			return Certificate{}, fmt.Errorf("%w: %s (force requires a valid certificate)", ErrIdentityTaken, agentID)
		}
		m.log.Info("identity reclaimed", "agentID", agentID)
	}

	cert, err := m.mint(agentID, now)
	if err != nil {
		return Certificate{}, err
	}
	m.claims[agentID] = claim{cert: cert, claimedAt: now}

	m.log.Info("identity claimed", "agentID", agentID, "expiresAt", time.UnixMilli(cert.ExpiresAt).UTC().Format(time.RFC3339))
	return cert, nil
}

// Validate checks a certificate's signature and expiry. On success it
// returns (true, agentID); otherwise (false, "").
func (m *Manager) Validate(cert Certificate) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.validLocked(cert, m.clk.Now()) {
		return true, cert.AgentID
	}
	return false, ""
}

// AuthorizeOverride reports whether the presented certificate grants the
// right to take over an existing registry binding for agentID.
func (m *Manager) AuthorizeOverride(agentID string, cert *Certificate) bool {
	if cert == nil || cert.AgentID != agentID {
		return false
	}
	ok, _ := m.Validate(*cert)
	return ok
}

// ActiveClaims returns the number of unexpired claims, for metrics.
func (m *Manager) ActiveClaims() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clk.Now().UnixMilli()
	n := 0
	for _, cl := range m.claims {
		if now < cl.cert.ExpiresAt {
			n++
		}
	}
	return n
}

// Sweep removes claims whose certificates have expired and returns how many
// were purged. Claims are never removed while their certificate is live.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now().UnixMilli()
	purged := 0
	for id, cl := range m.claims {
		if now >= cl.cert.ExpiresAt {
			delete(m.claims, id)
			purged++
		}
	}
	if purged > 0 {
		m.log.Info("purged expired identity claims", "count", purged)
	}
	return purged
}

// StartSweeper schedules Sweep on the given cron expression (e.g. "@hourly").
// Returns the cron runner; the caller stops it on shutdown.
func (m *Manager) StartSweeper(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { m.Sweep() }); err != nil {
		return nil, fmt.Errorf("sweeper schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

// mint creates and signs a certificate for agentID valid from now for the
// configured TTL.
func (m *Manager) mint(agentID string, now time.Time) (Certificate, error) {
	issued := now.UnixMilli()
	expires := now.Add(m.ttl).UnixMilli()

	payload, err := signingPayload(agentID, issued, expires)
	if err != nil {
		return Certificate{}, err
	}

	hash := sha256.Sum256(payload)
	mac := hmac.New(sha256.New, m.key)
	mac.Write(payload)

	return Certificate{
		AgentID:   agentID,
		IssuedAt:  issued,
		ExpiresAt: expires,
		CertHash:  hex.EncodeToString(hash[:]),
		Signature: hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

// validLocked recomputes the signature over the canonical payload and checks
// expiry. Callers hold at least a read lock (the key is immutable, but this
// keeps the locking discipline uniform).
func (m *Manager) validLocked(cert Certificate, now time.Time) bool {
	if cert.AgentID == "" {
		return false
	}
	if now.UnixMilli() >= cert.ExpiresAt {
		return false
	}

	payload, err := signingPayload(cert.AgentID, cert.IssuedAt, cert.ExpiresAt)
	if err != nil {
		return false
	}

	sig, err := hex.DecodeString(cert.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, m.key)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), sig)
}

// signingPayload produces the canonical JSON that is hashed and signed.
// Mis-canonicalization is the commonest source of signature mismatches, so
// every signature path funnels through here.
func signingPayload(agentID string, issuedAt, expiresAt int64) ([]byte, error) {
	return protocol.CanonicalJSON(map[string]any{
		"agent_id":   agentID,
		"issued_at":  issuedAt,
		"expires_at": expiresAt,
	})
}
