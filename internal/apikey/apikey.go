// Copyright 2025 James Ross
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/clock"
)

// RateLimits are the named-window quotas a key carries (spec §3 APIKey).
type RateLimits struct {
	PerHour  *int64
	PerDay   *int64
	PerMonth *int64
}

// Key is the stored record for an API key. The raw key is never persisted;
// only HashedKey is (spec §3 invariant: "the store holds only
// hashedKey = sha256(rawKey)").
type Key struct {
	ID          string
	HashedKey   string
	Name        string
	Permissions []string
	RateLimits  RateLimits
	CreatedAt   time.Time
	LastUsedAt  *time.Time
	ExpiresAt   *time.Time
	IsActive    bool
	Metadata    map[string]interface{}
}

// Valid reports whether k is usable right now: active and unexpired
// (spec §3: "isActive ∧ (expiresAt = ∅ ∨ expiresAt > now)").
func (k *Key) Valid(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// HasPermission implements the wildcard-or-exact check from spec §3:
// `"*" ∈ permissions ∨ required ∈ permissions`.
func (k *Key) HasPermission(required string) bool {
	for _, p := range k.Permissions {
		if p == "*" || p == required {
			return true
		}
	}
	return false
}

var (
	ErrNotFound = errors.New("api key not found")
	ErrRevoked  = errors.New("api key is not active")
	ErrExpired  = errors.New("api key has expired")
)

// Manager owns the set of API keys: hashing, validation, permission checks,
// rotation, and revocation. Grounded on the teacher's rbac-and-tokens
// Manager (mutex-guarded maps + audit log), stripped of its JWT/claims
// machinery since spec §3's APIKey is a flat hashed-secret record, not a
// signed bearer token.
type Manager struct {
	mu     sync.RWMutex
	byHash map[string]*Key
	byID   map[string]*Key

	clock  clock.Clock
	logger *zap.Logger
	audit  AuditFunc
}

// AuditFunc records a key-management action; nil disables auditing.
type AuditFunc func(action, keyID, reason string)

// NewManager builds an empty key manager.
func NewManager(logger *zap.Logger, audit AuditFunc) *Manager {
	return NewManagerWithClock(logger, audit, clock.Real)
}

// NewManagerWithClock is NewManager with an injectable clock.
func NewManagerWithClock(logger *zap.Logger, audit AuditFunc, c clock.Clock) *Manager {
	return &Manager{
		byHash: make(map[string]*Key),
		byID:   make(map[string]*Key),
		clock:  c,
		logger: logger,
		audit:  audit,
	}
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("apikey: generate random key: %w", err)
	}
	return "sk_" + hex.EncodeToString(buf), nil
}

// Create mints a new key with name/permissions/limits and an optional TTL
// (zero means no expiry). The raw key is returned exactly once, per spec §3
// invariant, and never again retrievable.
func (m *Manager) Create(name string, permissions []string, limits RateLimits, ttl time.Duration) (rawKey string, key *Key, err error) {
	rawKey, err = generateRawKey()
	if err != nil {
		return "", nil, err
	}

	now := m.clock.Now()
	var expires *time.Time
	if ttl > 0 {
		e := now.Add(ttl)
		expires = &e
	}

	key = &Key{
		ID:          uuid.NewString(),
		HashedKey:   hashKey(rawKey),
		Name:        name,
		Permissions: append([]string(nil), permissions...),
		RateLimits:  limits,
		CreatedAt:   now,
		ExpiresAt:   expires,
		IsActive:    true,
		Metadata:    make(map[string]interface{}),
	}

	m.mu.Lock()
	m.byHash[key.HashedKey] = key
	m.byID[key.ID] = key
	m.mu.Unlock()

	m.auditLog("KEY_CREATED", key.ID, "")
	return rawKey, key, nil
}

// Validate looks up rawKey by its hash and returns the stored record if it
// is currently valid, updating LastUsedAt.
func (m *Manager) Validate(rawKey string) (*Key, error) {
	hashed := hashKey(rawKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byHash[hashed]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.clock.Now()
	if !key.IsActive {
		return nil, ErrRevoked
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return nil, ErrExpired
	}
	key.LastUsedAt = &now
	return key, nil
}

// Get returns a key by id regardless of validity, for admin inspection.
func (m *Manager) Get(id string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return key, nil
}

// Revoke flips isActive to false. Revocation is terminal; a revoked key is
// never reactivated, only rotated into a replacement.
func (m *Manager) Revoke(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	key.IsActive = false
	m.auditLogLocked("KEY_REVOKED", id, reason)
	return nil
}

// Rotate creates a replacement key with identical permissions/limits and
// atomically flips the old key inactive (spec §3: "Rotation creates a new
// key with identical permissions/limits and flips the old one inactive
// atomically").
func (m *Manager) Rotate(id string) (rawKey string, newKey *Key, err error) {
	m.mu.Lock()
	old, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return "", nil, ErrNotFound
	}
	permissions := append([]string(nil), old.Permissions...)
	limits := old.RateLimits
	name := old.Name
	var ttl time.Duration
	if old.ExpiresAt != nil {
		ttl = old.ExpiresAt.Sub(m.clock.Now())
	}
	m.mu.Unlock()

	rawKey, newKey, err = m.Create(name, permissions, limits, ttl)
	if err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	old.IsActive = false
	m.auditLogLocked("KEY_ROTATED", id, "replaced by "+newKey.ID)
	m.mu.Unlock()

	return rawKey, newKey, nil
}

// Redact renders an API key for logs per spec §7: "API keys appear as
// xxxx...xxxx".
func Redact(rawKey string) string {
	if len(rawKey) <= 8 {
		return strings.Repeat("x", len(rawKey))
	}
	return rawKey[:4] + "..." + rawKey[len(rawKey)-4:]
}

func (m *Manager) auditLog(action, keyID, reason string) {
	if m.audit != nil {
		m.audit(action, keyID, reason)
	}
}

func (m *Manager) auditLogLocked(action, keyID, reason string) {
	// audit is a plain function; no lock re-entrancy concerns, but kept as
	// a separate name to make call sites state their locking context.
	m.auditLog(action, keyID, reason)
}
