package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/Adi-21/metrikprotocol/invoice/ledger"
)

func TestEnumerateDiscoversSparseIDs(t *testing.T) {
	fake := newFakeLedger()
	// Sparse id space: 2 and 5 exist, the rest are holes.
	fake.add(entityFixture(2, false, false))
	fake.add(entityFixture(5, true, false))

	enum := NewEnumerator(fake, 16, 4, 4, nil, nil)
	found, err := enum.Enumerate(context.Background(), nil)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(found) != 2 || found[0].TokenID != 2 || found[1].TokenID != 5 {
		t.Fatalf("unexpected discovery set: %+v", found)
	}
}

func TestEnumerateUsesFloorWhenCountUnavailable(t *testing.T) {
	fake := newFakeLedger()
	fake.totalErr = ledger.ErrUnsupported
	fake.add(entityFixture(3, false, false))
	beyondFloor := entityFixture(30, false, false)
	fake.add(beyondFloor)

	enum := NewEnumerator(fake, 10, 4, 4, nil, nil)
	found, err := enum.Enumerate(context.Background(), nil)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(found) != 1 || found[0].TokenID != 3 {
		t.Fatalf("floor bound not respected: %+v", found)
	}
}

func TestEnumerateMarginCoversFreshMints(t *testing.T) {
	fake := newFakeLedger()
	fake.add(entityFixture(4, false, false))
	// total is now 4; the margin must still reach id 6.
	late := entityFixture(6, false, false)
	fake.mu.Lock()
	fake.live[late.TokenID] = late
	fake.hist[late.TokenID] = late
	fake.mu.Unlock()

	enum := NewEnumerator(fake, 1, 4, 4, nil, nil)
	found, err := enum.Enumerate(context.Background(), nil)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("margin missed fresh mint: %+v", found)
	}
}

func TestEnumerateOwnerFilter(t *testing.T) {
	fake := newFakeLedger()
	fake.add(entityFixture(1, false, false))
	foreign := entityFixture(2, false, false)
	foreign.Supplier = otherC
	foreign.Buyer = otherC
	fake.add(foreign)

	enum := NewEnumerator(fake, 8, 2, 4, nil, nil)
	found, err := enum.Enumerate(context.Background(), &supplierA)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(found) != 1 || found[0].TokenID != 1 {
		t.Fatalf("owner filter failed: %+v", found)
	}
}

func TestEnumerateSkipsTransientFailures(t *testing.T) {
	fake := newFakeLedger()
	fake.add(entityFixture(1, false, false))
	fake.add(entityFixture(2, false, false))
	fake.entityErr[1] = errors.New("rpc timeout")

	enum := NewEnumerator(fake, 8, 2, 4, nil, nil)
	found, err := enum.Enumerate(context.Background(), nil)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(found) != 1 || found[0].TokenID != 2 {
		t.Fatalf("transient failure aborted the probe: %+v", found)
	}
}

func TestEnumerateCancellation(t *testing.T) {
	fake := newFakeLedger()
	for id := uint64(1); id <= 20; id++ {
		fake.add(entityFixture(id, false, false))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	enum := NewEnumerator(fake, 8, 2, 2, nil, nil)
	if _, err := enum.Enumerate(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
