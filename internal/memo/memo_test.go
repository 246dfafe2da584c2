package memo

import (
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := New(10, 0)
	k := Key{PromptRef: "p1", ModelName: "m1", Temperature: 0.2, ProviderFingerprint: "acme/m1@v1"}

	if _, ok := c.Get(k); ok {
		t.Error("unexpected hit on empty cache")
	}

	c.Put(k, Entry{ResponseRef: "r1", FinishReason: "stop"})
	e, ok := c.Get(k)
	if !ok {
		t.Fatal("expected hit")
	}
	if e.ResponseRef != "r1" {
		t.Errorf("response ref = %s, want r1", e.ResponseRef)
	}
}

func TestKeyIdentityIsExact(t *testing.T) {
	c := New(10, 0)
	base := Key{PromptRef: "p1", ModelName: "m1", Temperature: 0.2, TopP: 0.9, Seed: 7, ProviderFingerprint: "acme/m1@v1"}
	c.Put(base, Entry{ResponseRef: "r1"})

	variants := []Key{
		{PromptRef: "p2", ModelName: "m1", Temperature: 0.2, TopP: 0.9, Seed: 7, ProviderFingerprint: "acme/m1@v1"},
		{PromptRef: "p1", ModelName: "m2", Temperature: 0.2, TopP: 0.9, Seed: 7, ProviderFingerprint: "acme/m1@v1"},
		{PromptRef: "p1", ModelName: "m1", Temperature: 0.3, TopP: 0.9, Seed: 7, ProviderFingerprint: "acme/m1@v1"},
		{PromptRef: "p1", ModelName: "m1", Temperature: 0.2, TopP: 0.9, Seed: 8, ProviderFingerprint: "acme/m1@v1"},
		{PromptRef: "p1", ModelName: "m1", Temperature: 0.2, TopP: 0.9, Seed: 7, ProviderFingerprint: "acme/m1@v2"},
	}
	for i, v := range variants {
		if _, ok := c.Get(v); ok {
			t.Errorf("variant %d unexpectedly hit the cache", i)
		}
	}

	if _, ok := c.Get(base); !ok {
		t.Error("exact key should still hit")
	}
}

func TestEmptyResponseRefNotCached(t *testing.T) {
	c := New(10, 0)
	k := Key{PromptRef: "p1"}
	c.Put(k, Entry{})
	if _, ok := c.Get(k); ok {
		t.Error("empty response ref should not be cached")
	}
}

func TestSizeBound(t *testing.T) {
	c := New(2, 0)
	c.Put(Key{PromptRef: "a"}, Entry{ResponseRef: "ra"})
	c.Put(Key{PromptRef: "b"}, Entry{ResponseRef: "rb"})
	c.Put(Key{PromptRef: "c"}, Entry{ResponseRef: "rc"})
	if c.Len() > 2 {
		t.Errorf("cache over capacity: %d", c.Len())
	}
	// Oldest entry evicted.
	if _, ok := c.Get(Key{PromptRef: "a"}); ok {
		t.Error("lru entry should have been evicted")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, 20*time.Millisecond)
	k := Key{PromptRef: "p1"}
	c.Put(k, Entry{ResponseRef: "r1"})
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get(k); ok {
		t.Error("entry should have expired")
	}
}
