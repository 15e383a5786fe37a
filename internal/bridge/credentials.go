// ABOUTME: Expiry-aware cache for the gateway's upstream session credential
// ABOUTME: Persists a single JSON entry to disk and refreshes 60 s before expiry

package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpirySkew is subtracted from a credential's expiry so we refresh
// before the upstream actually rejects it.
const ExpirySkew = 60 * time.Second

// Credential is one upstream session token with its expiry.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the credential is usable at time now, allowing
// for the skew buffer. A zero expiry means the upstream issued a
// non-expiring token.
func (c Credential) Valid(now time.Time) bool {
	if c.Token == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.ExpiresAt.Add(-ExpirySkew))
}

// credentialExpiry derives an expiry for a session token. If the token
// is a JWT with an exp claim, that wins over the server-reported value;
// the gateway never validates the signature, it only reads the claim.
func credentialExpiry(token string, reported time.Time) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return reported
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return reported
	}
	return exp.Time
}

// CredentialCache holds the single gateway credential, mirrored to a
// JSON file so restarts can skip reauthentication.
type CredentialCache struct {
	mu   sync.Mutex
	path string
	cred Credential
}

// NewCredentialCache loads the cache file if present. A missing or
// corrupt file yields an empty cache, never an error.
func NewCredentialCache(path string) *CredentialCache {
	c := &CredentialCache{path: path}
	if path == "" {
		return c
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return c
	}
	c.cred = cred
	return c
}

// Get returns the cached credential and whether it is still valid.
func (c *CredentialCache) Get() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred, c.cred.Valid(time.Now())
}

// Put stores a fresh credential and persists it.
func (c *CredentialCache) Put(token string, reported time.Time) Credential {
	cred := Credential{Token: token, ExpiresAt: credentialExpiry(token, reported)}

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	c.persist(cred)
	return cred
}

// Drop discards the cached credential. Called when the upstream closes
// the session in a way that implies token invalidation.
func (c *CredentialCache) Drop() {
	c.mu.Lock()
	c.cred = Credential{}
	c.mu.Unlock()

	if c.path != "" {
		_ = os.Remove(c.path)
	}
}

func (c *CredentialCache) persist(cred Credential) {
	if c.path == "" {
		return
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
	}
}

// String implements fmt.Stringer without leaking the token.
func (c Credential) String() string {
	return fmt.Sprintf("credential(expires %s)", c.ExpiresAt.Format(time.RFC3339))
}
