package subsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultSettingsTTL = 5 * time.Minute

// CachedSettings is a read-through cache in front of a SettingsStore
// with a bounded staleness. Price IDs change rarely but are consulted
// on every webhook event; the cache keeps that from turning into one
// settings query per event. Concurrent misses for the same key are
// collapsed into a single backend fetch.
type CachedSettings struct {
	inner SettingsStore
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]settingsEntry
	group   singleflight.Group
}

type settingsEntry struct {
	setting  Setting
	fetched  time.Time
	notFound bool
}

// NewCachedSettings wraps a settings store with a TTL cache. A zero or
// negative ttl uses the 5 minute default.
func NewCachedSettings(inner SettingsStore, ttl time.Duration) *CachedSettings {
	if ttl <= 0 {
		ttl = defaultSettingsTTL
	}
	return &CachedSettings{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]settingsEntry),
	}
}

// GetSetting implements SettingsStore. Not-found results are cached for
// the same TTL as hits so a missing key cannot hammer the backend.
func (c *CachedSettings) GetSetting(ctx context.Context, key string) (*Setting, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetched) < c.ttl {
		if entry.notFound {
			return nil, ErrSettingNotFound
		}
		s := entry.setting
		return &s, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		setting, err := c.inner.GetSetting(ctx, key)
		if err == ErrSettingNotFound {
			c.store(key, settingsEntry{fetched: time.Now(), notFound: true})
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		c.store(key, settingsEntry{setting: *setting, fetched: time.Now()})
		return setting, nil
	})
	if err != nil {
		return nil, err
	}

	s := *(v.(*Setting))
	return &s, nil
}

// Invalidate drops a cached key so the next read hits the backend.
func (c *CachedSettings) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *CachedSettings) store(key string, entry settingsEntry) {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}
