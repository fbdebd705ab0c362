package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

func TestMemoryStoreVelocity(t *testing.T) {
	store := NewMemoryStore(100)
	defer store.Close()
	ctx := context.Background()

	t.Run("IncrementReturnsRunningTotals", func(t *testing.T) {
		for i := 1; i <= 4; i++ {
			stat, err := store.IncrementVelocity(ctx, "u-1", domain.WindowFiveMinutes, 50)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stat.Count != int64(i) {
				t.Errorf("expected count %d, got %d", i, stat.Count)
			}
			if stat.TotalAmount != float64(i)*50 {
				t.Errorf("expected amount %v, got %v", float64(i)*50, stat.TotalAmount)
			}
		}
	})

	t.Run("WindowsAreIndependent", func(t *testing.T) {
		_, _ = store.IncrementVelocity(ctx, "u-2", domain.WindowOneHour, 100)
		stat, err := store.GetVelocity(ctx, "u-2", domain.WindowFiveMinutes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stat.Count != 0 {
			t.Errorf("expected independent window, got count %d", stat.Count)
		}
	})

	t.Run("UsersAreIndependent", func(t *testing.T) {
		stat, err := store.GetVelocity(ctx, "u-unknown", domain.WindowFiveMinutes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stat.Count != 0 {
			t.Errorf("expected 0 for unknown user, got %d", stat.Count)
		}
	})
}

func TestMemoryStoreRecipientSet(t *testing.T) {
	store := NewMemoryStore(100)
	defer store.Close()
	ctx := context.Background()

	n, err := store.TouchRecipientSet(ctx, "u-1", "r-1")
	if err != nil || n != 1 {
		t.Fatalf("expected cardinality 1, got %d (%v)", n, err)
	}
	n, _ = store.TouchRecipientSet(ctx, "u-1", "r-2")
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
	// Re-adding the same recipient does not grow the set.
	n, _ = store.TouchRecipientSet(ctx, "u-1", "r-1")
	if n != 2 {
		t.Errorf("expected 2 after duplicate, got %d", n)
	}
}

func TestMemoryStoreIdempotencyMarker(t *testing.T) {
	store := NewMemoryStore(100)
	defer store.Close()
	ctx := context.Background()

	if got, _ := store.GetCachedAnalysis(ctx, "tx-1"); got != nil {
		t.Fatal("expected miss before write")
	}

	marker := &domain.CachedDecision{
		Decision:  domain.DecisionApprove,
		Score:     0.1,
		Timestamp: time.Now().UTC(),
	}
	if err := store.CacheAnalysis(ctx, "tx-1", marker, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetCachedAnalysis(ctx, "tx-1")
	if err != nil || got == nil {
		t.Fatalf("expected hit, got %v (%v)", got, err)
	}
	if got.Decision != domain.DecisionApprove || got.Score != 0.1 {
		t.Errorf("marker corrupted: %+v", got)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(100)
	defer store.Close()
	ctx := context.Background()

	h := domain.NewUserHistory("u-1", nil, time.Time{})
	if err := store.SetUserHistory(ctx, "u-1", h, 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, _ := store.GetUserHistory(ctx, "u-1"); got == nil {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if got, _ := store.GetUserHistory(ctx, "u-1"); got != nil {
		t.Error("expected miss after expiry")
	}
}

func TestMemoryStoreLRUEviction(t *testing.T) {
	store := NewMemoryStore(3)
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		_ = store.SetRecipientInfo(ctx, id, &domain.RecipientInfo{RecipientID: id}, time.Minute)
	}

	// "a" was least recently used and must be gone.
	if got, _ := store.GetRecipientInfo(ctx, "a"); got != nil {
		t.Error("expected LRU eviction of oldest entry")
	}
	if got, _ := store.GetRecipientInfo(ctx, "d"); got == nil {
		t.Error("expected newest entry present")
	}
}

func TestBlocklistCacheNeverStoresPlaintext(t *testing.T) {
	store := NewMemoryStore(100)
	defer store.Close()
	ctx := context.Background()

	const value = "raw-fingerprint-secret"
	if err := store.AddToBlocklistCache(ctx, domain.BlocklistDevice, value, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hit, err := store.IsInBlocklist(ctx, domain.BlocklistDevice, value)
	if err != nil || !hit {
		t.Fatalf("expected hit, got %v (%v)", hit, err)
	}

	// Inspect the raw keyspace: the plaintext must not appear.
	store.mu.Lock()
	for key := range store.items {
		if strings.Contains(key, value) {
			t.Errorf("plaintext leaked into cache key %q", key)
		}
	}
	store.mu.Unlock()
}

func TestDeviceKeysAreHashed(t *testing.T) {
	store := NewMemoryStore(100)
	defer store.Close()
	ctx := context.Background()

	const fp = "very-secret-device-fingerprint"
	_ = store.SetDeviceInfo(ctx, fp, &domain.DeviceInfo{TrustScore: 0.9}, time.Minute)

	store.mu.Lock()
	for key := range store.items {
		if strings.Contains(key, fp) {
			t.Errorf("fingerprint leaked into cache key %q", key)
		}
	}
	store.mu.Unlock()

	got, err := store.GetDeviceInfo(ctx, fp)
	if err != nil || got == nil {
		t.Fatalf("expected device info back, got %v (%v)", got, err)
	}
}

func TestFactory(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	if _, err := New(domain.CacheConfig{Type: "bogus"}); err == nil {
		t.Error("expected error for unknown cache type")
	}
}
