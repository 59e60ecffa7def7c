package syncer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/Adi-21/metrikprotocol/invoice"
)

func newCoordinatorUnderTest(fake *fakeLedger) (*Coordinator, *Cache) {
	cache := NewCache(nil)
	resolver := NewResolver(fake, cache, 4, nil, nil)
	coord := NewCoordinator(fake, cache, resolver, time.Minute, nil, nil)
	coord.now = func() time.Time { return time.Unix(1_750_000_000, 0) }
	return coord, cache
}

func mintFixtureParams() invoice.MintParams {
	return invoice.MintParams{
		InvoiceID:    "INV-NEW",
		Supplier:     supplierA,
		Buyer:        buyerB,
		CreditAmount: big.NewInt(100_000000),
		DueDate:      time.Unix(1_750_000_000, 0).Add(30 * 24 * time.Hour),
		DocumentHash: "0xdoc",
	}
}

func TestMintValidationNeverReachesLedger(t *testing.T) {
	fake := newFakeLedger()
	coord, cache := newCoordinatorUnderTest(fake)

	params := mintFixtureParams()
	params.CreditAmount = big.NewInt(0)
	_, err := coord.Mint(context.Background(), params)
	if !errors.Is(err, invoice.ErrInvalidParams) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(fake.submitted) != 0 {
		t.Fatalf("validation failure reached the ledger")
	}
	if cache.Len() != 0 {
		t.Fatalf("validation failure touched the cache")
	}
}

func TestMintFinalizesIntoCacheUnverified(t *testing.T) {
	fake := newFakeLedger()
	coord, cache := newCoordinatorUnderTest(fake)

	entity, err := coord.Mint(context.Background(), mintFixtureParams())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if entity.Verified {
		t.Fatalf("fresh mint must start unverified")
	}
	if entity.CreditAmount.Cmp(big.NewInt(100_000000)) != 0 {
		t.Fatalf("credit amount mangled: %s", entity.CreditAmount)
	}
	cached, ok := cache.Get(entity.TokenID)
	if !ok {
		t.Fatalf("minted entity missing from cache")
	}
	if cached.Verified {
		t.Fatalf("cache shows premature verification")
	}
}

func TestVerifyPreservesImmutableFields(t *testing.T) {
	fake := newFakeLedger()
	coord, cache := newCoordinatorUnderTest(fake)

	minted, err := coord.Mint(context.Background(), mintFixtureParams())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	verified, err := coord.Verify(context.Background(), minted.TokenID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verified.Verified {
		t.Fatalf("verify did not take effect")
	}
	if !minted.SameImmutables(verified) {
		t.Fatalf("verify changed immutable fields:\n%+v\n%+v", minted, verified)
	}
	cached, _ := cache.Get(minted.TokenID)
	if !cached.Verified {
		t.Fatalf("verification not reconciled into cache")
	}
}

func TestVerifyRequiresTokenID(t *testing.T) {
	fake := newFakeLedger()
	coord, _ := newCoordinatorUnderTest(fake)
	if _, err := coord.Verify(context.Background(), 0); !errors.Is(err, invoice.ErrInvalidParams) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNoPrematureVisibilityOnFinalityFailure(t *testing.T) {
	fake := newFakeLedger()
	fake.finalErr = errors.New("finality timeout")
	coord, cache := newCoordinatorUnderTest(fake)

	_, err := coord.Mint(context.Background(), mintFixtureParams())
	if !errors.Is(err, ErrMutationFailed) {
		t.Fatalf("expected ErrMutationFailed, got %v", err)
	}
	if len(fake.submitted) != 1 {
		t.Fatalf("mutation never submitted")
	}
	if cache.Len() != 0 {
		t.Fatalf("failed mutation leaked into the cache")
	}
}

func TestVerifyFailureLeavesCacheUntouched(t *testing.T) {
	fake := newFakeLedger()
	coord, cache := newCoordinatorUnderTest(fake)
	minted, err := coord.Mint(context.Background(), mintFixtureParams())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	fake.finalErr = errors.New("reverted")

	if _, err := coord.Verify(context.Background(), minted.TokenID); !errors.Is(err, ErrMutationFailed) {
		t.Fatalf("expected ErrMutationFailed, got %v", err)
	}
	cached, _ := cache.Get(minted.TokenID)
	if cached.Verified {
		t.Fatalf("failed verify became visible")
	}
}

func TestSubmitFailureSurfacesAsMutationFailed(t *testing.T) {
	fake := newFakeLedger()
	fake.submitErr = errors.New("nonce too low")
	coord, cache := newCoordinatorUnderTest(fake)

	_, err := coord.Mint(context.Background(), mintFixtureParams())
	if !errors.Is(err, ErrMutationFailed) {
		t.Fatalf("expected ErrMutationFailed, got %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("failed submission touched the cache")
	}
}

func TestApproveResyncsTargetToken(t *testing.T) {
	fake := newFakeLedger()
	coord, cache := newCoordinatorUnderTest(fake)
	minted, err := coord.Mint(context.Background(), mintFixtureParams())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	receipt, err := coord.Approve(context.Background(), minted.TokenID, otherC)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if receipt.TokenID != minted.TokenID {
		t.Fatalf("receipt targets wrong token: %+v", receipt)
	}
	if _, ok := cache.Get(minted.TokenID); !ok {
		t.Fatalf("approve dropped the token from cache")
	}

	if _, err := coord.Approve(context.Background(), 0, otherC); !errors.Is(err, invoice.ErrInvalidParams) {
		t.Fatalf("expected validation error for zero token id, got %v", err)
	}
}
