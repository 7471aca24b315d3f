package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
)

// Device is one discovered power station. MAC is the 12-hex-uppercase
// primary key used across topics and caches.
type Device struct {
	MAC   string `json:"mac"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

type deviceDocument struct {
	CachedAt time.Time `json:"cached_at"`
	Devices  []Device  `json:"devices"`
}

// DeviceCache stores the discovered device inventory per account, gating the
// signed discovery call behind a TTL (default 24 h).
type DeviceCache struct {
	store Store
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time
}

func NewDeviceCache(store Store, ttl time.Duration) *DeviceCache {
	return &DeviceCache{
		store: store,
		ttl:   ttl,
		log:   slog.Default().With("context", "DeviceCache"),
		now:   time.Now,
	}
}

func (c *DeviceCache) key(email string) string {
	return AccountKey("devices", email)
}

// Get returns the cached inventory, or found=false when absent or expired.
func (c *DeviceCache) Get(email string) ([]Device, bool) {
	data, found, err := c.store.Read(c.key(email))
	if err != nil {
		c.log.Warn("device cache read failed", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var doc deviceDocument
	if err := sonic.Unmarshal(data, &doc); err != nil {
		c.log.Warn("device cache corrupt, treating as miss", "error", err)
		return nil, false
	}
	if c.now().Sub(doc.CachedAt) > c.ttl {
		return nil, false
	}
	return doc.Devices, true
}

// Put replaces the cached inventory, stamped now.
func (c *DeviceCache) Put(email string, devices []Device) error {
	data, err := sonic.Marshal(deviceDocument{CachedAt: c.now(), Devices: devices})
	if err != nil {
		return fmt.Errorf("failed to encode device cache: %w", err)
	}
	return c.store.WriteAtomic(c.key(email), data)
}

// Invalidate drops the cached inventory so the next Get forces a refetch.
func (c *DeviceCache) Invalidate(email string) error {
	return c.store.Delete(c.key(email))
}
