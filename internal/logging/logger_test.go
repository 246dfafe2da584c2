package logging

import "testing"

func TestUninitializedIsNoop(t *testing.T) {
	mu.Lock()
	root = nil
	loggers = make(map[Category]*Logger)
	mu.Unlock()

	// Must not panic.
	Get(CategoryStore).Info("no backend yet: %d", 42)
	Store("helper with no backend")
	StartTimer(CategoryStore, "op").Stop()
}

func TestCategoryFiltering(t *testing.T) {
	if err := Initialize(Options{
		Level:      "debug",
		Categories: map[string]bool{"store": false},
	}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsCategoryEnabled(CategoryStore) {
		t.Error("store category should be disabled")
	}
	if !IsCategoryEnabled(CategorySession) {
		t.Error("unlisted categories should default to enabled")
	}

	// Disabled category yields a no-op logger that must not panic.
	Get(CategoryStore).Error("dropped: %v", "x")
}

func TestInitializeRejectsBadLevel(t *testing.T) {
	if err := Initialize(Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
