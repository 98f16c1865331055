package melcloud

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL bounds how long an identical read is answered
	// from cache instead of hitting the remote API.
	DefaultCacheTTL = 10 * time.Second

	sweepInterval = time.Minute
)

// fingerprint derives a deterministic key for a fully-normalized
// request. The body is canonicalized through a decode/encode round trip
// so that structurally equal payloads hash identically regardless of
// how their keys were assembled.
func fingerprint(method, url string, body []byte, headers map[string]string) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", method, url)

	if len(body) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(body, &decoded); err != nil {
			return "", fmt.Errorf("fingerprint body: %w", err)
		}
		canonical, err := json.Marshal(decoded)
		if err != nil {
			return "", fmt.Errorf("fingerprint body: %w", err)
		}
		h.Write(canonical)
	}
	h.Write([]byte{'\n'})

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s:%s\n", k, headers[k])
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

type cacheEntry struct {
	body     json.RawMessage
	storedAt time.Time
}

// responseCache is a TTL-bounded map from request fingerprints to raw
// JSON responses. Entries expire lazily on lookup and are additionally
// swept by a background janitor.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	done    chan struct{}
	once    sync.Once
}

func newResponseCache(ttl time.Duration) *responseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &responseCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *responseCache) get(fp string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) >= c.ttl {
		delete(c.entries, fp)
		return nil, false
	}
	return entry.body, true
}

func (c *responseCache) put(fp string, body json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fp] = cacheEntry{body: body, storedAt: time.Now()}
}

// flush drops every entry. Called after a successful write so reads
// never observe state from before the change.
func (c *responseCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *responseCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for fp, entry := range c.entries {
		if now.Sub(entry.storedAt) >= c.ttl {
			delete(c.entries, fp)
		}
	}
}

func (c *responseCache) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *responseCache) close() {
	c.once.Do(func() { close(c.done) })
}
