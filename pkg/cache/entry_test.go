package cache

import (
	"testing"
	"time"
)

func TestCacheEntry_StaleAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"fresh", now.Add(time.Minute), false},
		{"expires exactly now", now, true},
		{"stale", now.Add(-time.Second), true},
		{"never set", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{Expires: tt.expires}
			if got := entry.StaleAt(now); got != tt.want {
				t.Errorf("StaleAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheEntry_IsExpired(t *testing.T) {
	if (&CacheEntry{Expires: time.Now().Add(time.Hour)}).IsExpired() {
		t.Error("IsExpired() = true for an entry fresh for an hour")
	}
	if !(&CacheEntry{Expires: time.Now().Add(-time.Hour)}).IsExpired() {
		t.Error("IsExpired() = false for an entry stale for an hour")
	}
}

func TestCacheEntry_TTL(t *testing.T) {
	fresh := &CacheEntry{Expires: time.Now().Add(time.Minute)}
	if ttl := fresh.TTL(); ttl <= 50*time.Second || ttl > time.Minute {
		t.Errorf("TTL() = %v, want about 1m", ttl)
	}

	stale := &CacheEntry{Expires: time.Now().Add(-time.Minute)}
	if ttl := stale.TTL(); ttl != 0 {
		t.Errorf("TTL() = %v, want 0", ttl)
	}
}

func TestCacheEntry_HasValidator(t *testing.T) {
	tests := []struct {
		name  string
		entry CacheEntry
		want  bool
	}{
		{"etag", CacheEntry{ETag: `"abc"`}, true},
		{"last modified", CacheEntry{LastModified: time.Now()}, true},
		{"both", CacheEntry{ETag: `W/"abc"`, LastModified: time.Now()}, true},
		{"none", CacheEntry{Data: []byte("{}")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.HasValidator(); got != tt.want {
				t.Errorf("HasValidator() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheEntry_Age(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		cachedAt time.Time
		want     time.Duration
	}{
		{"ten minutes", now.Add(-10 * time.Minute), 10 * time.Minute},
		{"unset", time.Time{}, 0},
		{"clock skew", now.Add(time.Minute), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{CachedAt: tt.cachedAt}
			if got := entry.Age(now); got != tt.want {
				t.Errorf("Age() = %v, want %v", got, tt.want)
			}
		})
	}
}
