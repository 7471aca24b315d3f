package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
)

// Stage identifies one of the three handshake tokens.
type Stage string

const (
	StageAnonymous Stage = "anonymous"
	StageLogin     Stage = "login"
	StageMQTT      Stage = "mqtt"
)

// TokenEntry is one cached token with its effective expiry. Capped records
// whether MaxTokenTTL reduced the JWT-claimed expiry: the vendor invalidates
// login tokens server-side long before their nominal 14-year expiry, so an
// uncapped entry would pin the bridge to a dead token.
type TokenEntry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	CachedAt  time.Time `json:"cached_at"`
	Capped    bool      `json:"capped,omitempty"`
}

// TokenCache stores the three handshake stages per account in a single
// tokens_<md5(email)> document.
type TokenCache struct {
	store        Store
	safetyMargin time.Duration
	maxTokenTTL  time.Duration
	log          *slog.Logger
	now          func() time.Time
}

func NewTokenCache(store Store, safetyMargin, maxTokenTTL time.Duration) *TokenCache {
	return &TokenCache{
		store:        store,
		safetyMargin: safetyMargin,
		maxTokenTTL:  maxTokenTTL,
		log:          slog.Default().With("context", "TokenCache"),
		now:          time.Now,
	}
}

func (c *TokenCache) key(email string) string {
	return AccountKey("tokens", email)
}

func (c *TokenCache) load(email string) map[Stage]TokenEntry {
	data, found, err := c.store.Read(c.key(email))
	if err != nil {
		c.log.Warn("token cache read failed", "error", err)
		return map[Stage]TokenEntry{}
	}
	if !found {
		return map[Stage]TokenEntry{}
	}
	entries := map[Stage]TokenEntry{}
	if err := sonic.Unmarshal(data, &entries); err != nil {
		// Corrupt cache is a miss, never a hard failure: auth will refetch.
		c.log.Warn("token cache corrupt, treating as miss", "error", err)
		return map[Stage]TokenEntry{}
	}
	return entries
}

func (c *TokenCache) save(email string, entries map[Stage]TokenEntry) error {
	data, err := sonic.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode token cache: %w", err)
	}
	return c.store.WriteAtomic(c.key(email), data)
}

// Get returns the cached token for stage if it is still usable: the entry
// must outlive now+safety_margin and must not be older than max_token_ttl.
func (c *TokenCache) Get(email string, stage Stage) (TokenEntry, bool) {
	entry, ok := c.load(email)[stage]
	if !ok || entry.Token == "" {
		return TokenEntry{}, false
	}
	now := c.now()
	if !now.Add(c.safetyMargin).Before(entry.ExpiresAt) {
		return TokenEntry{}, false
	}
	if now.Sub(entry.CachedAt) >= c.maxTokenTTL {
		return TokenEntry{}, false
	}
	return entry, true
}

// Put caches a fresh token. The effective expiry is min(claimed expiry,
// cached_at + max_token_ttl); a zero claimed expiry means the caller could
// not extract one and the cap alone applies.
func (c *TokenCache) Put(email string, stage Stage, token string, claimedExpiry time.Time) (TokenEntry, error) {
	now := c.now()
	capAt := now.Add(c.maxTokenTTL)
	entry := TokenEntry{Token: token, CachedAt: now, ExpiresAt: claimedExpiry}
	if claimedExpiry.IsZero() || capAt.Before(claimedExpiry) {
		entry.ExpiresAt = capAt
		entry.Capped = !claimedExpiry.IsZero()
	}
	if entry.Capped {
		c.log.Debug("token expiry capped",
			"stage", stage,
			"claimed", claimedExpiry,
			"effective", entry.ExpiresAt,
		)
	}

	entries := c.load(email)
	entries[stage] = entry
	if err := c.save(email, entries); err != nil {
		return entry, err
	}
	return entry, nil
}

// Purge drops the given stages; with no stages it drops the whole account.
func (c *TokenCache) Purge(email string, stages ...Stage) error {
	if len(stages) == 0 {
		return c.store.Delete(c.key(email))
	}
	entries := c.load(email)
	for _, s := range stages {
		delete(entries, s)
	}
	return c.save(email, entries)
}
