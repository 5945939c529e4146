package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/ladder/pkg/models"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	c, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey(t *testing.T) {
	p := models.Payload{Messages: []models.Message{{Role: "user", Content: "hello"}}}
	k1 := Key("itc_classify", "local_low_latency/qwen", p)
	k2 := Key("itc_classify", "local_low_latency/qwen", p)
	k3 := Key("itc_classify", "local_bulk/llama", p)
	k4 := Key("conversation", "local_low_latency/qwen", p)

	if k1 != k2 {
		t.Error("same input should produce same key")
	}
	if k1 == k3 {
		t.Error("different candidate should produce different key")
	}
	if k1 == k4 {
		t.Error("different intent should produce different key")
	}
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache(t)
	key := Key("itc_classify", "p/m", models.Payload{Prompt: "hi"})

	if err := c.Put(key, "itc_classify", []byte(`{"text":"hello"}`), time.Hour); err != nil {
		t.Fatal(err)
	}

	data, ok := c.Get(key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(data) != `{"text":"hello"}` {
		t.Errorf("unexpected response: %s", data)
	}

	if _, ok := c.Get(Key("itc_classify", "p/m", models.Payload{Prompt: "bye"})); ok {
		t.Error("expected cache miss for different payload")
	}
}

func TestTTLExpiration(t *testing.T) {
	c := newTestCache(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Put("k", "itc_classify", []byte("data"), 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	now = now.Add(5 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("expected cache miss after TTL expiration")
	}

	n, err := c.Clear(true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry removed, got %d", n)
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t)

	_ = c.Put("h1", "itc_classify", []byte("data"), time.Hour)
	c.Get("h1") // hit
	c.Get("h2") // miss

	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestClear(t *testing.T) {
	c := newTestCache(t)

	_ = c.Put("h1", "itc_classify", []byte("data"), time.Hour)
	_ = c.Put("h2", "itc_classify", []byte("data"), time.Hour)

	if _, err := c.Clear(true); err != nil {
		t.Fatal(err)
	}
	stats, _ := c.Stats()
	if stats.Entries != 2 {
		t.Errorf("expected live entries to survive expired-only clear, got %d", stats.Entries)
	}

	if _, err := c.Clear(false); err != nil {
		t.Fatal(err)
	}
	stats, _ = c.Stats()
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}
