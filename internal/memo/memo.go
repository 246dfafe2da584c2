// Package memo is the optional content-fingerprint cache over completed
// calls. Keys bind the exact request identity (prompt ref, sampling params,
// provider fingerprint) to the response blob ref; values are blob refs, so
// the cache itself stays small and the payloads stay content-addressed.
package memo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"sibyl/internal/logging"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Key identifies one memoizable request.
type Key struct {
	PromptRef           string
	ModelName           string
	Temperature         float64
	TopP                float64
	SystemPrompt        string
	Seed                int64
	ProviderFingerprint string
}

// digest collapses the key to a fixed-size cache key.
func (k Key) digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%.6f|%.6f|%s|%d|%s",
		k.PromptRef, k.ModelName, k.Temperature, k.TopP, k.SystemPrompt, k.Seed, k.ProviderFingerprint)
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is a cached call outcome.
type Entry struct {
	ResponseRef  string
	FinishReason string
}

// Cache is a size- and age-bounded memoizer.
type Cache struct {
	lru *expirable.LRU[string, Entry]
}

// New creates a cache bounded to maxEntries items and ttl age. A ttl of zero
// disables age-based eviction.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Cache{lru: expirable.NewLRU[string, Entry](maxEntries, nil, ttl)}
}

// Get looks up a cached response for the request identity.
func (c *Cache) Get(k Key) (Entry, bool) {
	e, ok := c.lru.Get(k.digest())
	if ok {
		logging.CacheDebug("hit: model=%s prompt=%s", k.ModelName, k.PromptRef)
	}
	return e, ok
}

// Put records a successful call's response ref.
func (c *Cache) Put(k Key, e Entry) {
	if e.ResponseRef == "" {
		return
	}
	c.lru.Add(k.digest(), e)
}

// Len returns the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge drops every entry.
func (c *Cache) Purge() { c.lru.Purge() }
