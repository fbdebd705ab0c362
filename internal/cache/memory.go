package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// MemoryStore implements domain.Cache in process memory with LRU eviction.
// Used for tests and single-node deployments without Redis. Velocity
// semantics match the Redis store: counters expire after their window.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type velocityEntry struct {
	Count       int64   `json:"count"`
	TotalAmount float64 `json:"totalAmount"`
}

// NewMemoryStore creates an in-memory cache store.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// IncrementVelocity bumps the window counters under the store lock.
func (s *MemoryStore) IncrementVelocity(ctx context.Context, userID string, window domain.VelocityWindow, amount float64) (domain.VelocityStat, error) {
	key := "vel:" + userID + ":" + string(window)

	s.mu.Lock()
	defer s.mu.Unlock()

	var v velocityEntry
	if raw := s.getLocked(key); raw != nil {
		_ = json.Unmarshal(raw, &v)
	}
	v.Count++
	v.TotalAmount += amount

	data, _ := json.Marshal(v)
	s.setLocked(key, data, window.Duration())

	return domain.VelocityStat{Count: v.Count, TotalAmount: v.TotalAmount}, nil
}

// GetVelocity reads the counters without incrementing.
func (s *MemoryStore) GetVelocity(ctx context.Context, userID string, window domain.VelocityWindow) (domain.VelocityStat, error) {
	key := "vel:" + userID + ":" + string(window)

	s.mu.Lock()
	defer s.mu.Unlock()

	var v velocityEntry
	if raw := s.getLocked(key); raw != nil {
		_ = json.Unmarshal(raw, &v)
	}
	return domain.VelocityStat{Count: v.Count, TotalAmount: v.TotalAmount}, nil
}

// TouchRecipientSet adds to the bounded distinct-recipient set.
func (s *MemoryStore) TouchRecipientSet(ctx context.Context, userID, recipientID string) (int64, error) {
	key := "vel:" + userID + ":recipients"

	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{})
	if raw := s.getLocked(key); raw != nil {
		_ = json.Unmarshal(raw, &set)
	}
	set[domain.ShortHash(recipientID)] = struct{}{}

	data, _ := json.Marshal(set)
	s.setLocked(key, data, recipientSetTTL)

	return int64(len(set)), nil
}

// GetUserHistory retrieves the cached history snapshot.
func (s *MemoryStore) GetUserHistory(ctx context.Context, userID string) (*domain.UserHistory, error) {
	var h domain.UserHistory
	if !s.getJSON("hist:"+userID, &h) {
		return nil, nil
	}
	return &h, nil
}

// SetUserHistory caches the history snapshot.
func (s *MemoryStore) SetUserHistory(ctx context.Context, userID string, h *domain.UserHistory, ttl time.Duration) error {
	return s.setJSON("hist:"+userID, h, ttl)
}

// InvalidateUserHistory drops the snapshot.
func (s *MemoryStore) InvalidateUserHistory(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked("hist:" + userID)
	return nil
}

// GetLastGeo retrieves the user's last-seen location.
func (s *MemoryStore) GetLastGeo(ctx context.Context, userID string) (*domain.GeoPoint, error) {
	var p domain.GeoPoint
	if !s.getJSON("geo:"+userID, &p) {
		return nil, nil
	}
	return &p, nil
}

// SetLastGeo records the user's current location.
func (s *MemoryStore) SetLastGeo(ctx context.Context, userID string, p *domain.GeoPoint, ttl time.Duration) error {
	return s.setJSON("geo:"+userID, p, ttl)
}

// GetDeviceInfo retrieves the device record.
func (s *MemoryStore) GetDeviceInfo(ctx context.Context, fingerprint string) (*domain.DeviceInfo, error) {
	var d domain.DeviceInfo
	if !s.getJSON("dev:"+domain.ShortHash(fingerprint), &d) {
		return nil, nil
	}
	return &d, nil
}

// SetDeviceInfo caches the device record.
func (s *MemoryStore) SetDeviceInfo(ctx context.Context, fingerprint string, info *domain.DeviceInfo, ttl time.Duration) error {
	return s.setJSON("dev:"+domain.ShortHash(fingerprint), info, ttl)
}

// GetRecipientInfo retrieves the recipient record.
func (s *MemoryStore) GetRecipientInfo(ctx context.Context, recipientID string) (*domain.RecipientInfo, error) {
	var r domain.RecipientInfo
	if !s.getJSON("rcpt:"+recipientID, &r) {
		return nil, nil
	}
	return &r, nil
}

// SetRecipientInfo caches the recipient record.
func (s *MemoryStore) SetRecipientInfo(ctx context.Context, recipientID string, info *domain.RecipientInfo, ttl time.Duration) error {
	return s.setJSON("rcpt:"+recipientID, info, ttl)
}

// IsInBlocklist checks the blocklist cache index.
func (s *MemoryStore) IsInBlocklist(ctx context.Context, typ domain.BlocklistType, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked("bl:"+string(typ)+":"+domain.ShortHash(value)) != nil, nil
}

// AddToBlocklistCache records a positive blocklist hit.
func (s *MemoryStore) AddToBlocklistCache(ctx context.Context, typ domain.BlocklistType, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked("bl:"+string(typ)+":"+domain.ShortHash(value), []byte("1"), ttl)
	return nil
}

// GetCachedAnalysis reads the idempotency marker.
func (s *MemoryStore) GetCachedAnalysis(ctx context.Context, transactionID string) (*domain.CachedDecision, error) {
	var d domain.CachedDecision
	if !s.getJSON("an:"+transactionID, &d) {
		return nil, nil
	}
	return &d, nil
}

// CacheAnalysis writes the idempotency marker.
func (s *MemoryStore) CacheAnalysis(ctx context.Context, transactionID string, d *domain.CachedDecision, ttl time.Duration) error {
	return s.setJSON("an:"+transactionID, d, ttl)
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close clears the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*list.Element)
	s.order.Init()
	return nil
}

// Stats returns current size and capacity.
func (s *MemoryStore) Stats() (size int, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), s.capacity
}

func (s *MemoryStore) getJSON(key string, out any) bool {
	s.mu.Lock()
	raw := s.getLocked(key)
	s.mu.Unlock()
	if raw == nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (s *MemoryStore) setJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.setLocked(key, data, ttl)
	s.mu.Unlock()
	return nil
}

// getLocked returns the value or nil if absent/expired. Caller holds mu.
func (s *MemoryStore) getLocked(key string) []byte {
	elem, ok := s.items[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*memEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.deleteLocked(key)
		return nil
	}
	s.order.MoveToFront(elem)
	return entry.value
}

// setLocked stores a value, evicting the LRU tail at capacity. Caller holds mu.
func (s *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if elem, ok := s.items[key]; ok {
		entry := elem.Value.(*memEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		return
	}

	for len(s.items) >= s.capacity {
		tail := s.order.Back()
		if tail == nil {
			break
		}
		s.deleteLocked(tail.Value.(*memEntry).key)
	}

	elem := s.order.PushFront(&memEntry{key: key, value: value, expiresAt: expiresAt})
	s.items[key] = elem
}

func (s *MemoryStore) deleteLocked(key string) {
	if elem, ok := s.items[key]; ok {
		s.order.Remove(elem)
		delete(s.items, key)
	}
}
