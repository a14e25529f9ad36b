package fetch

import (
	"testing"
	"time"
)

func TestDiskCache_ExpiresOldEntries(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	if err := cache.Put("abc", "https://www.hkex.com.hk/", []byte("<table/>")); err != nil {
		t.Fatalf("put: %v", err)
	}

	body, stored, ok := cache.Get("abc")
	if !ok || string(body) != "<table/>" {
		t.Fatalf("expected hit, got %q ok=%v", body, ok)
	}
	if !stored.Equal(now) {
		t.Fatalf("unexpected timestamp %s", stored)
	}

	now = now.Add(61 * time.Minute)
	if _, _, ok := cache.Get("abc"); ok {
		t.Fatalf("entry older than max age must read as absent")
	}
	if _, _, ok := cache.Get("missing"); ok {
		t.Fatalf("unexpected hit for missing key")
	}
}
