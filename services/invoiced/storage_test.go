package main

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/Adi-21/metrikprotocol/invoice"
)

func openTestDB(t *testing.T) *SnapshotDB {
	t.Helper()
	db, err := OpenSnapshotDB(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func snapshotFixture(tokenID uint64) invoice.Invoice {
	return invoice.Invoice{
		TokenID:      tokenID,
		InvoiceID:    "INV-1001",
		Supplier:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Buyer:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
		CreditAmount: big.NewInt(250_000000),
		DueDate:      time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		DocumentHash: "QmDoc",
		MintedAt:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	want := snapshotFixture(7)
	require.NoError(t, db.SaveInvoices(ctx, []invoice.Invoice{want}))

	got, err := db.LoadInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, want.TokenID, got[0].TokenID)
	require.Equal(t, want.InvoiceID, got[0].InvoiceID)
	require.Equal(t, want.Supplier, got[0].Supplier)
	require.Zero(t, want.CreditAmount.Cmp(got[0].CreditAmount))
	require.True(t, want.DueDate.Equal(got[0].DueDate))
	require.True(t, want.MintedAt.Equal(got[0].MintedAt))
	require.True(t, got[0].BurnedAt.IsZero())
}

func TestSnapshotUpsertAdvancesLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	entity := snapshotFixture(3)
	require.NoError(t, db.SaveInvoices(ctx, []invoice.Invoice{entity}))

	entity.Verified = true
	entity.Burned = true
	entity.BurnedAt = time.Date(2026, 9, 15, 8, 0, 0, 0, time.UTC)
	entity.BurnReason = "settled"
	require.NoError(t, db.SaveInvoices(ctx, []invoice.Invoice{entity}))

	got, err := db.LoadInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Verified)
	require.True(t, got[0].Burned)
	require.Equal(t, "settled", got[0].BurnReason)
	require.True(t, entity.BurnedAt.Equal(got[0].BurnedAt))
}

func TestSnapshotOrdersByTokenID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a := snapshotFixture(9)
	b := snapshotFixture(2)
	require.NoError(t, db.SaveInvoices(ctx, []invoice.Invoice{a, b}))

	got, err := db.LoadInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(2), got[0].TokenID)
	require.Equal(t, uint64(9), got[1].TokenID)
}

func TestSnapshotEmptyLoad(t *testing.T) {
	db := openTestDB(t)
	got, err := db.LoadInvoices(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestOpenSnapshotDBRequiresPath(t *testing.T) {
	_, err := OpenSnapshotDB("  ")
	require.Error(t, err)
}
