// Package balancecache is an in-process, read-through, non-authoritative
// LRU+TTL cache of the latest known wallet balances, kept warm by
// subscribing to wallet events at high priority.
package balancecache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/event"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ledger"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/eventbus"
)

// SubscriberID is this cache's fixed subscription id on the event bus.
const SubscriberID = "balance-snapshot-cache"

// SubscriberPriority is the low numeric priority (runs early) at which
// the cache subscribes to wallet events.
const SubscriberPriority = 10

// DefaultMaxEntries is the default LRU capacity before eviction.
const DefaultMaxEntries = 10_000

// DefaultTTL is the default per-entry staleness window.
const DefaultTTL = time.Hour

// Key identifies one cached balance.
type Key struct {
	AccountType ledger.AccountType
	AccountID   string
}

// Entry is one cached balance snapshot.
type Entry struct {
	Available   *int64
	Escrow      *int64
	Earned      *int64
	LastUpdated time.Time
	Version     int64
}

type node struct {
	key     Key
	entry   Entry
	cachedAt time.Time
}

// Cache is a read-through convenience cache, never authoritative;
// callers that require correctness must fall through to the ledger or
// wallet store on a miss.
type Cache struct {
	mu       sync.Mutex
	maxSize  int
	ttl      time.Duration
	elements map[Key]*list.Element
	order    *list.List
	version  int64
}

// NewCache builds an empty Cache.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		maxSize:  maxSize,
		ttl:      ttl,
		elements: make(map[Key]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached entry for key, or (Entry{}, false) on a miss or
// a stale (TTL-expired) hit.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.elements[key]
	if !ok {
		return Entry{}, false
	}

	n := elem.Value.(*node)

	if time.Since(n.cachedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.elements, key)

		return Entry{}, false
	}

	c.order.MoveToFront(elem)

	return n.entry, true
}

// Put inserts or replaces the cached entry for key, evicting the least
// recently used entry if the cache is at capacity.
func (c *Cache) Put(key Key, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	entry.Version = c.version

	if elem, ok := c.elements[key]; ok {
		elem.Value = &node{key: key, entry: entry, cachedAt: time.Now()}
		c.order.MoveToFront(elem)

		return
	}

	elem := c.order.PushFront(&node{key: key, entry: entry, cachedAt: time.Now()})
	c.elements[key] = elem

	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.elements, oldest.Value.(*node).key)
		}
	}
}

// Subscribe registers the cache's event handler on bus at
// SubscriberPriority for every wallet-affecting event type.
func (c *Cache) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(SubscriberID, []event.Type{
		event.TypeBalanceUpdated,
		event.TypeEscrowHeld,
		event.TypeEscrowSettled,
		event.TypeEscrowRefunded,
		event.TypeEscrowPartialSettled,
	}, c.handle, SubscriberPriority)
}

func (c *Cache) handle(_ context.Context, e event.Envelope) error {
	accountID, _ := e.Payload["accountId"].(string)
	if accountID == "" {
		return nil
	}

	accountType := ledger.AccountTypeUser
	if t, ok := e.Payload["accountType"].(string); ok && t == string(ledger.AccountTypeModel) {
		accountType = ledger.AccountTypeModel
	}

	entry := Entry{LastUpdated: e.Timestamp}

	if v, ok := toInt64(e.Payload["available"]); ok {
		entry.Available = &v
	}

	if v, ok := toInt64(e.Payload["escrow"]); ok {
		entry.Escrow = &v
	}

	if v, ok := toInt64(e.Payload["earned"]); ok {
		entry.Earned = &v
	}

	c.Put(Key{AccountType: accountType, AccountID: accountID}, entry)

	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
