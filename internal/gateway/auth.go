package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/agentstack/agentstack/internal/store"
)

// maxCachedKeys caps the fast-path cache. The cache refuses new entries
// at the cap rather than evicting; a full cache only costs slow-path
// verification for keys beyond it.
const maxCachedKeys = 1000

// KeyCache authenticates API keys in two tiers. The fast tier maps
// sha256(key) to a project id for keys that have already verified once.
// The slow tier runs the argon2id comparison against every stored hash.
// A key never enters the fast tier without passing the slow tier first,
// so a cache hit is always a genuine match.
type KeyCache struct {
	mu       sync.RWMutex
	verified map[string]string // sha256(key) hex -> project id
	projects store.ProjectStore
}

// NewKeyCache builds a cache over the given project store.
func NewKeyCache(projects store.ProjectStore) *KeyCache {
	return &KeyCache{
		verified: make(map[string]string),
		projects: projects,
	}
}

// Authenticate resolves an API key to its project id. Returns "" and
// false when the key does not match any project. The format check runs
// first so obviously bogus keys never reach the slow hash.
func (c *KeyCache) Authenticate(ctx context.Context, apiKey string) (string, bool) {
	if !validKeyFormat(apiKey) {
		return "", false
	}

	digest := fastDigest(apiKey)

	c.mu.RLock()
	projectID, ok := c.verified[digest]
	c.mu.RUnlock()
	if ok {
		return projectID, true
	}

	keys, err := c.projects.ListKeyHashes(ctx)
	if err != nil {
		return "", false
	}
	for _, pk := range keys {
		if VerifyKey(apiKey, pk.KeyHash) {
			c.admit(digest, pk.ProjectID)
			return pk.ProjectID, true
		}
	}
	return "", false
}

func (c *KeyCache) admit(digest, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.verified) >= maxCachedKeys {
		if _, exists := c.verified[digest]; !exists {
			return
		}
	}
	c.verified[digest] = projectID
}

// Invalidate drops a single key from the fast tier, for key rotation.
func (c *KeyCache) Invalidate(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.verified, fastDigest(apiKey))
}

// Clear empties the fast tier.
func (c *KeyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verified = make(map[string]string)
}

// Size reports the fast-tier entry count.
func (c *KeyCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.verified)
}

func fastDigest(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// validKeyFormat checks the ak_ prefix and a plausible length before any
// hashing happens.
func validKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, "ak_") {
		return false
	}
	if len(apiKey) < 16 || len(apiKey) > 128 {
		return false
	}
	return true
}
