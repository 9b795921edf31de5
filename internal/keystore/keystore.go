// Package keystore manages opaque bearer tokens: minting, verification
// against argon2id hashes, and revocation. Verified tokens are cached in a
// W-TinyLFU cache so repeat requests do not pay the argon2 cost, and a
// weighted semaphore bounds concurrent hash computations so verification
// bursts cannot starve the scheduler.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/semaphore"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

const (
	tokenBodyBytes = 24 // 192 bits of entropy, 32 chars base64url
	tokenLen       = len(gateway.TokenPrefix) + 32

	cacheTTL    = 30 * time.Second // staleness bound between revoke and cache invalidation fallback
	cacheMaxLen = 10_000
)

// verified is the cached outcome of a successful token verification.
type verified struct {
	UserID string
	KeyID  string
}

// Store mints, verifies, and revokes API keys.
type Store struct {
	keys  storage.APIKeyStore
	cache *otter.Cache[string, verified]
	// keyIDToCacheKey maps key ID -> cache key for invalidation on revoke.
	keyIDToCacheKey sync.Map
	// hashSem bounds concurrent argon2 computations.
	hashSem *semaphore.Weighted
}

// New returns a Store backed by keys.
func New(keys storage.APIKeyStore) (*Store, error) {
	c, err := otter.New(&otter.Options[string, verified]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, verified](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create keystore cache: %w", err)
	}
	return &Store{
		keys:    keys,
		cache:   c,
		hashSem: semaphore.NewWeighted(int64(max(2, runtime.GOMAXPROCS(0)))),
	}, nil
}

// Mint generates a new key for userID. The returned plaintext is shown to
// the caller exactly once; only the argon2id hash and the 12-character
// prefix are persisted. The plaintext is never logged.
func (s *Store) Mint(ctx context.Context, userID, label string) (*gateway.APIKey, string, error) {
	body := make([]byte, tokenBodyBytes)
	if _, err := rand.Read(body); err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	plaintext := gateway.TokenPrefix + base64.RawURLEncoding.EncodeToString(body)

	hash, err := hashToken(plaintext)
	if err != nil {
		return nil, "", err
	}

	key := &gateway.APIKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Hash:      hash,
		Prefix:    plaintext[:gateway.PrefixLen],
		Label:     label,
		Status:    gateway.KeyActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.keys.CreateKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// Verify authenticates a bearer token. Malformed tokens are rejected with
// constant preliminary work before any database or hash activity. All active
// keys sharing the token's 12-character prefix are candidates; the first
// whose hash verifies wins. Every failure mode collapses to the same generic
// ErrUnauthorized so the caller cannot distinguish unknown prefix, revoked
// key, or wrong secret. Persistence failures surface as internal errors, not
// as a forged rejection or acceptance.
func (s *Store) Verify(ctx context.Context, token string) (*gateway.Identity, error) {
	if len(token) != tokenLen || token[:len(gateway.TokenPrefix)] != gateway.TokenPrefix {
		return nil, gateway.ErrUnauthorized
	}

	cacheKey := fingerprint(token)
	if v, ok := s.cache.GetIfPresent(cacheKey); ok {
		return &gateway.Identity{UserID: v.UserID, KeyID: v.KeyID, KeyPrefix: token[:gateway.PrefixLen]}, nil
	}

	candidates, err := s.keys.ActiveKeysByPrefix(ctx, token[:gateway.PrefixLen])
	if err != nil {
		return nil, fmt.Errorf("%w: key lookup: %v", gateway.ErrInternal, err)
	}

	for _, k := range candidates {
		ok, err := s.verifyBounded(ctx, token, k.Hash)
		if err != nil {
			// A broken hash on one candidate row must not block the others.
			slog.LogAttrs(ctx, slog.LevelWarn, "key hash verification error",
				slog.String("key_id", k.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}

		s.cache.Set(cacheKey, verified{UserID: k.UserID, KeyID: k.ID})
		s.keyIDToCacheKey.Store(k.ID, cacheKey)

		// Touch last-used off the request path.
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.keys.TouchKeyUsed(ctx, id); err != nil {
				slog.Warn("touch key last_used_at failed", "key_id", id, "error", err.Error())
			}
		}(k.ID)

		return &gateway.Identity{UserID: k.UserID, KeyID: k.ID, KeyPrefix: k.Prefix}, nil
	}

	return nil, gateway.ErrUnauthorized
}

// verifyBounded runs the argon2 verification under the concurrency semaphore.
func (s *Store) verifyBounded(ctx context.Context, token, hash string) (bool, error) {
	if err := s.hashSem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.hashSem.Release(1)
	return verifyToken(token, hash)
}

// Revoke marks a key revoked and drops it from the verification cache.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	if err := s.keys.RevokeKey(ctx, keyID); err != nil {
		return err
	}
	s.invalidate(keyID)
	return nil
}

// RevokeForUser revokes all of a user's active keys (used when suspending a
// user) and drops each from the verification cache.
func (s *Store) RevokeForUser(ctx context.Context, userID string) error {
	ids, err := s.keys.RevokeKeysForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.invalidate(id)
	}
	return nil
}

func (s *Store) invalidate(keyID string) {
	if ck, ok := s.keyIDToCacheKey.LoadAndDelete(keyID); ok {
		s.cache.Invalidate(ck.(string))
	}
}

// fingerprint returns the cache key for a plaintext token. The plaintext
// itself is never used as a map key.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
