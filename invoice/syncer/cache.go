// Package syncer builds and maintains the client-local view of invoice
// entities whose ground truth lives on the ledger. Discovery runs through an
// event window scanner with a brute-force enumeration backstop; observations
// from every path reconcile into one cache.
package syncer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/observability/metrics"
)

// ErrInconsistent reports two observations of the same token id disagreeing
// on a mint-time field. That is a data-integrity defect to surface, never a
// conflict to resolve silently.
var ErrInconsistent = errors.New("syncer: inconsistent entity observation")

// Cache is the authoritative reconciliation cache: token id to entity. Merges
// are commutative because the mutable flags are monotonic, so concurrent
// observations from the scanner, enumerator and resolver may land in any
// order.
type Cache struct {
	mu      sync.RWMutex
	entries map[uint64]invoice.Invoice
	metrics *metrics.SyncMetrics
}

// NewCache returns an empty cache.
func NewCache(m *metrics.SyncMetrics) *Cache {
	return &Cache{
		entries: make(map[uint64]invoice.Invoice),
		metrics: m,
	}
}

// Merge upserts the given observations. New ids are inserted; for known ids
// the monotonic flags are OR-ed and burn metadata is adopted once. Entries
// whose immutable fields contradict the cached copy are rejected and reported
// via the returned error; the remaining entries still merge, and previously
// merged state is never rolled back.
func (c *Cache) Merge(entities ...invoice.Invoice) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var conflicts []error
	merged := 0
	for _, incoming := range entities {
		current, ok := c.entries[incoming.TokenID]
		if !ok {
			c.entries[incoming.TokenID] = incoming.Copy()
			merged++
			continue
		}
		if !current.SameImmutables(incoming) {
			conflicts = append(conflicts, fmt.Errorf("%w: token %d", ErrInconsistent, incoming.TokenID))
			continue
		}
		current.Verified = current.Verified || incoming.Verified
		if incoming.Burned && !current.Burned {
			current.Burned = true
			current.BurnedAt = incoming.BurnedAt
			current.BurnReason = incoming.BurnReason
		}
		if current.MintedAt.IsZero() && !incoming.MintedAt.IsZero() {
			current.MintedAt = incoming.MintedAt
		}
		c.entries[incoming.TokenID] = current
		merged++
	}
	c.metrics.ObserveMerge(merged, len(conflicts))
	c.metrics.SetCacheSize(len(c.entries))
	return errors.Join(conflicts...)
}

// Get returns the cached entity for a token id.
func (c *Cache) Get(tokenID uint64) (invoice.Invoice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[tokenID]
	if !ok {
		return invoice.Invoice{}, false
	}
	return entry.Copy(), true
}

// All returns every cached entity ordered by token id.
func (c *Cache) All() []invoice.Invoice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]invoice.Invoice, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// AllByOwner returns the cached entities where the given address occupies the
// given role, ordered by token id.
func (c *Cache) AllByOwner(owner common.Address, role invoice.Role) []invoice.Invoice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]invoice.Invoice, 0)
	for _, entry := range c.entries {
		if entry.Party(role) == owner {
			out = append(out, entry.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// FindByInvoiceID scans for a business invoice id. Linear, which is fine for
// a bounded cache; the business id is a search key, not the primary key.
// Business ids are not guaranteed unique, so the lowest matching token id is
// returned deterministically.
func (c *Cache) FindByInvoiceID(invoiceID string) (invoice.Invoice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var (
		best  invoice.Invoice
		found bool
	)
	for _, entry := range c.entries {
		if entry.InvoiceID != invoiceID {
			continue
		}
		if !found || entry.TokenID < best.TokenID {
			best = entry
			found = true
		}
	}
	if !found {
		return invoice.Invoice{}, false
	}
	return best.Copy(), true
}

// Len reports the number of cached entities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
