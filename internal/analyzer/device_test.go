package analyzer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/blocklist"
	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/repository"
)

// newTestStores builds a temp sqlite repository, a memory cache, and a
// blocklist store wired over both.
func newTestStores(t *testing.T) (domain.Repository, *cache.MemoryStore, *blocklist.Store) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := cache.NewMemoryStore(1000)
	t.Cleanup(func() { store.Close() })

	return repo, store, blocklist.NewStore(repo, store, time.Hour)
}

func deviceEvent(fingerprint, userAgent string) *domain.TransactionEvent {
	ev := amountEvent(100)
	ev.Payload.Device = &domain.DeviceContext{
		Fingerprint: fingerprint,
		UserAgent:   userAgent,
	}
	return ev
}

// goodFingerprint has healthy length and entropy.
const goodFingerprint = "f8a3b2c1d4e5a6b7c8d9e0f1"

func TestDeviceAnalyzer(t *testing.T) {
	ctx := context.Background()

	t.Run("NoDeviceData", func(t *testing.T) {
		_, store, bl := newTestStores(t)
		a := NewDeviceAnalyzer(store, bl, time.Hour, 0.15)

		f, err := a.Analyze(ctx, amountEvent(100), &domain.AnalysisContext{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.RawScore != unknownDeviceScore {
			t.Errorf("expected neutral %v, got %v", unknownDeviceScore, f.RawScore)
		}
	})

	t.Run("BlocklistedFingerprint", func(t *testing.T) {
		repo, store, bl := newTestStores(t)
		a := NewDeviceAnalyzer(store, bl, time.Hour, 0.15)

		entry := &domain.BlocklistEntry{
			Type:     domain.BlocklistDevice,
			Value:    goodFingerprint,
			Reason:   "stolen device ring",
			IsActive: true,
		}
		if err := repo.AddBlocklistEntry(ctx, entry); err != nil {
			t.Fatalf("failed to add blocklist entry: %v", err)
		}

		f, err := a.Analyze(ctx, deviceEvent(goodFingerprint, ""), &domain.AnalysisContext{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.ContributedScore != 1.0 {
			t.Errorf("expected hard-reject contribution 1.0, got %v", f.ContributedScore)
		}
		if !f.Blocklisted() {
			t.Error("expected blocklisted factor")
		}
	})

	t.Run("KnownDeviceCleanAgent", func(t *testing.T) {
		_, store, bl := newTestStores(t)
		a := NewDeviceAnalyzer(store, bl, time.Hour, 0.15)

		ac := &domain.AnalysisContext{
			KnownDevices: map[string]struct{}{goodFingerprint: {}},
		}
		ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36"
		f, err := a.Analyze(ctx, deviceEvent(goodFingerprint, ua), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.RawScore != 0 {
			t.Errorf("expected zero score, got %v (%s)", f.RawScore, f.Reason)
		}
	})

	t.Run("HeadlessAgent", func(t *testing.T) {
		_, store, bl := newTestStores(t)
		a := NewDeviceAnalyzer(store, bl, time.Hour, 0.15)

		ac := &domain.AnalysisContext{
			KnownDevices: map[string]struct{}{goodFingerprint: {}},
		}
		ua := "Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/119.0.0.0 Safari/537.36"
		f, err := a.Analyze(ctx, deviceEvent(goodFingerprint, ua), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.RawScore != 0.25 {
			t.Errorf("expected 0.25 for headless agent, got %v", f.RawScore)
		}
	})

	t.Run("OutdatedChrome", func(t *testing.T) {
		_, store, bl := newTestStores(t)
		a := NewDeviceAnalyzer(store, bl, time.Hour, 0.15)

		ac := &domain.AnalysisContext{
			KnownDevices: map[string]struct{}{goodFingerprint: {}},
		}
		ua := "Mozilla/5.0 (Windows NT 6.1) AppleWebKit/537.36 Chrome/49.0.2623.112 Safari/537.36"
		f, err := a.Analyze(ctx, deviceEvent(goodFingerprint, ua), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.RawScore != 0.08 {
			t.Errorf("expected 0.08 for outdated Chrome, got %v", f.RawScore)
		}
	})

	t.Run("ShortUserAgent", func(t *testing.T) {
		_, store, bl := newTestStores(t)
		a := NewDeviceAnalyzer(store, bl, time.Hour, 0.15)

		ac := &domain.AnalysisContext{
			KnownDevices: map[string]struct{}{goodFingerprint: {}},
		}
		f, err := a.Analyze(ctx, deviceEvent(goodFingerprint, "curl/8.0"), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.RawScore != 0.15 {
			t.Errorf("expected 0.15 for short agent, got %v", f.RawScore)
		}
	})

	t.Run("DegenerateFingerprint", func(t *testing.T) {
		_, store, bl := newTestStores(t)
		a := NewDeviceAnalyzer(store, bl, time.Hour, 0.15)

		ac := &domain.AnalysisContext{
			KnownDevices: map[string]struct{}{"0000000000000000": {}},
		}
		f, err := a.Analyze(ctx, deviceEvent("0000000000000000", ""), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// low entropy 0.20 + degenerate 0.25, capped at 0.40
		if f.RawScore != deviceCap {
			t.Errorf("expected cap %v, got %v", deviceCap, f.RawScore)
		}
	})

	t.Run("NewDeviceBreaksStablePattern", func(t *testing.T) {
		_, store, bl := newTestStores(t)
		a := NewDeviceAnalyzer(store, bl, time.Hour, 0.15)

		txs := make([]domain.HistoricalTransaction, 50)
		for i := range txs {
			txs[i] = domain.HistoricalTransaction{
				TransactionID:     "tx",
				Amount:            100,
				DeviceFingerprint: goodFingerprint,
				Timestamp:         time.Now().UTC().Add(-time.Duration(i) * time.Hour),
			}
		}
		ac := &domain.AnalysisContext{
			History:      domain.NewUserHistory("u-1", txs, time.Time{}),
			KnownDevices: map[string]struct{}{goodFingerprint: {}},
		}
		f, err := a.Analyze(ctx, deviceEvent("a1b2c3d4e5f6a7b8c9d0e1f2", ""), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// unrecognized 0.12 + stable-pattern disruption 0.10
		if diff := f.RawScore - 0.22; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.22, got %v", f.RawScore)
		}
	})
}
