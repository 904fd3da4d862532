// Package keymanager is the thin façade over store.Store for credential and
// usage-accounting concerns: master-token issuance, API-key issuance and
// verification, and the best-effort usage ledger.
package keymanager

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"transcribeengine/internal/domain"
	"transcribeengine/internal/logging"
)

// Store is the persistence contract KeyManager depends on.
type Store interface {
	HasMasterToken(ctx context.Context) (bool, error)
	CreateMasterToken(ctx context.Context, token string, createdAt time.Time) error
	LatestMasterToken(ctx context.Context) (domain.MasterToken, error)
	AllMasterTokens(ctx context.Context) ([]domain.MasterToken, error)

	CreateAPIKey(ctx context.Context, key domain.APIKey) error
	GetAPIKey(ctx context.Context, key string) (domain.APIKey, error)
	ListAPIKeys(ctx context.Context, activeOnly bool) ([]domain.APIKey, error)
	SetAPIKeyActive(ctx context.Context, key string, active bool) error
	UpdateAPIKeyNotes(ctx context.Context, key, notes string) error
	DeleteAPIKey(ctx context.Context, key string) error
	LogUsage(ctx context.Context, key string, success bool, processingTimeSeconds float64, when time.Time) error
}

// KeyManager issues and verifies credentials and records per-key usage.
type KeyManager struct {
	store  Store
	logger logging.Logger
}

// New builds a KeyManager over store.
func New(store Store, logger logging.Logger) *KeyManager {
	return &KeyManager{store: store, logger: logging.OrNop(logger)}
}

// randomURLSafeToken returns n bytes of crypto/rand, base64 URL-encoded
// without padding -- the same shape as Python's secrets.token_urlsafe.
func randomURLSafeToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// EnsureMasterToken creates a master token from 256 random bits if none
// exists yet, and logs it exactly once. Idempotent across restarts.
func (m *KeyManager) EnsureMasterToken(ctx context.Context) error {
	exists, err := m.store.HasMasterToken(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	token, err := randomURLSafeToken(32)
	if err != nil {
		return err
	}
	if err := m.store.CreateMasterToken(ctx, token, time.Now().UTC()); err != nil {
		return err
	}
	m.logger.Info("master token created: %s (save this -- it is required for admin access)", token)
	return nil
}

// constantTimeMatch reports whether candidate equals any of secrets, using
// subtle.ConstantTimeCompare for every comparison so the stored credential
// set is never branched on the bytes of the caller-supplied value.
func constantTimeMatch(candidate string, secrets []string) bool {
	found := false
	cb := []byte(candidate)
	for _, s := range secrets {
		sb := []byte(s)
		if len(sb) != len(cb) {
			// Compare against a same-length dummy so the branch itself still
			// costs constant time relative to this candidate, rather than
			// returning immediately.
			sb = make([]byte, len(cb))
		}
		if subtle.ConstantTimeCompare(cb, sb) == 1 {
			found = true
		}
	}
	return found
}

// VerifyMasterToken reports whether token matches any stored master token.
func (m *KeyManager) VerifyMasterToken(ctx context.Context, token string) (bool, error) {
	tokens, err := m.store.AllMasterTokens(ctx)
	if err != nil {
		return false, err
	}
	candidates := make([]string, len(tokens))
	for i, t := range tokens {
		candidates[i] = t.Token
	}
	return constantTimeMatch(token, candidates), nil
}

// VerifyAPIKey reports whether key names an active API key.
func (m *KeyManager) VerifyAPIKey(ctx context.Context, key string) (bool, error) {
	keys, err := m.store.ListAPIKeys(ctx, true)
	if err != nil {
		return false, err
	}
	candidates := make([]string, len(keys))
	for i, k := range keys {
		candidates[i] = k.Key
	}
	return constantTimeMatch(key, candidates), nil
}

// GenerateAPIKey mints a new active API key for clientName.
func (m *KeyManager) GenerateAPIKey(ctx context.Context, clientName string) (string, error) {
	key, err := randomURLSafeToken(32)
	if err != nil {
		return "", err
	}
	apiKey := domain.APIKey{
		Key:        key,
		ClientName: clientName,
		CreatedAt:  time.Now().UTC(),
		Active:     true,
	}
	if err := m.store.CreateAPIKey(ctx, apiKey); err != nil {
		return "", err
	}
	m.logger.Info("created api key for client %q", clientName)
	return key, nil
}

// LogUsage records one completed (success or failure) task's outcome
// against key. Best-effort: failures are logged, never returned, so a
// ledger write can never flip a task's own terminal state.
func (m *KeyManager) LogUsage(ctx context.Context, key string, success bool, processingTimeSeconds float64) {
	if err := m.store.LogUsage(ctx, key, success, processingTimeSeconds, time.Now().UTC()); err != nil {
		m.logger.Warn("log usage for key %q failed (non-fatal): %v", key, err)
	}
}

// GetAPIKey returns the stored row for key.
func (m *KeyManager) GetAPIKey(ctx context.Context, key string) (domain.APIKey, error) {
	return m.store.GetAPIKey(ctx, key)
}

// ListAPIKeys returns every API key, optionally filtered to active ones.
func (m *KeyManager) ListAPIKeys(ctx context.Context, activeOnly bool) ([]domain.APIKey, error) {
	return m.store.ListAPIKeys(ctx, activeOnly)
}

// SetAPIKeyActive toggles key's active flag.
func (m *KeyManager) SetAPIKeyActive(ctx context.Context, key string, active bool) error {
	return m.store.SetAPIKeyActive(ctx, key, active)
}

// UpdateNotes sets key's operator notes, truncated to domain.MaxNotesLen.
func (m *KeyManager) UpdateNotes(ctx context.Context, key, notes string) error {
	if len(notes) > domain.MaxNotesLen {
		notes = notes[:domain.MaxNotesLen]
	}
	return m.store.UpdateAPIKeyNotes(ctx, key, notes)
}

// DeleteAPIKey revokes key permanently.
func (m *KeyManager) DeleteAPIKey(ctx context.Context, key string) error {
	return m.store.DeleteAPIKey(ctx, key)
}

// Statistics is the fleet-wide API-key aggregate exposed by admin listings.
type Statistics struct {
	TotalKeys                 int
	ActiveKeys                int
	TotalRequests             int64
	TotalProcessingTimeSecs   float64
	AverageProcessingTimeSecs float64
}

// AllStatistics computes the fleet-wide aggregate across every API key.
// Derived entirely from Store rows, never separately stored.
func (m *KeyManager) AllStatistics(ctx context.Context) (Statistics, error) {
	keys, err := m.store.ListAPIKeys(ctx, false)
	if err != nil {
		return Statistics{}, err
	}
	var stats Statistics
	stats.TotalKeys = len(keys)
	for _, k := range keys {
		if k.Active {
			stats.ActiveKeys++
		}
		stats.TotalRequests += k.TotalRequests
		stats.TotalProcessingTimeSecs += k.TotalProcessingTimeSeconds
	}
	if stats.TotalRequests > 0 {
		stats.AverageProcessingTimeSecs = stats.TotalProcessingTimeSecs / float64(stats.TotalRequests)
	}
	return stats, nil
}
