package main

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/Adi-21/metrikprotocol/invoice"
)

// SnapshotDB persists the reconciliation cache so a restarted daemon serves
// history the bounded probe window would no longer rediscover. It implements
// syncer.SnapshotStore.
type SnapshotDB struct {
	db *sql.DB
}

const snapshotSchema = `CREATE TABLE IF NOT EXISTS invoices (
    token_id      INTEGER PRIMARY KEY,
    invoice_id    TEXT NOT NULL,
    supplier      TEXT NOT NULL,
    buyer         TEXT NOT NULL,
    credit_amount TEXT NOT NULL,
    due_date      INTEGER NOT NULL,
    document_hash TEXT NOT NULL,
    verified      INTEGER NOT NULL DEFAULT 0,
    burned        INTEGER NOT NULL DEFAULT 0,
    minted_at     INTEGER NOT NULL DEFAULT 0,
    burned_at     INTEGER NOT NULL DEFAULT 0,
    burn_reason   TEXT NOT NULL DEFAULT ''
);`

// OpenSnapshotDB opens (creating if necessary) the snapshot database.
func OpenSnapshotDB(path string) (*SnapshotDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SnapshotDB{db: db}, nil
}

// Close releases database resources.
func (s *SnapshotDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveInvoices upserts the full cache contents in one transaction.
func (s *SnapshotDB) SaveInvoices(ctx context.Context, entities []invoice.Invoice) error {
	if s == nil {
		return fmt.Errorf("snapshot store not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO invoices(token_id, invoice_id, supplier, buyer, credit_amount,
                             due_date, document_hash, verified, burned, minted_at, burned_at, burn_reason)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(token_id) DO UPDATE SET
            verified    = excluded.verified,
            burned      = excluded.burned,
            burned_at   = excluded.burned_at,
            burn_reason = excluded.burn_reason,
            minted_at   = excluded.minted_at
    `)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, entity := range entities {
		amount := "0"
		if entity.CreditAmount != nil {
			amount = entity.CreditAmount.String()
		}
		_, err := stmt.ExecContext(ctx,
			entity.TokenID,
			entity.InvoiceID,
			entity.Supplier.Hex(),
			entity.Buyer.Hex(),
			amount,
			entity.DueDate.UTC().Unix(),
			entity.DocumentHash,
			boolToInt(entity.Verified),
			boolToInt(entity.Burned),
			unixOrZero(entity.MintedAt),
			unixOrZero(entity.BurnedAt),
			entity.BurnReason,
		)
		if err != nil {
			return fmt.Errorf("upsert token %d: %w", entity.TokenID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadInvoices returns every persisted entity.
func (s *SnapshotDB) LoadInvoices(ctx context.Context) ([]invoice.Invoice, error) {
	if s == nil {
		return nil, fmt.Errorf("snapshot store not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT token_id, invoice_id, supplier, buyer, credit_amount,
               due_date, document_hash, verified, burned, minted_at, burned_at, burn_reason
        FROM invoices ORDER BY token_id
    `)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var out []invoice.Invoice
	for rows.Next() {
		var (
			entity            invoice.Invoice
			supplier, buyer   string
			amount            string
			dueUnix, mintUnix int64
			burnUnix          int64
			verified, burned  int
		)
		if err := rows.Scan(&entity.TokenID, &entity.InvoiceID, &supplier, &buyer, &amount,
			&dueUnix, &entity.DocumentHash, &verified, &burned, &mintUnix, &burnUnix, &entity.BurnReason); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		credit, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("token %d: corrupt credit amount %q", entity.TokenID, amount)
		}
		entity.Supplier = common.HexToAddress(supplier)
		entity.Buyer = common.HexToAddress(buyer)
		entity.CreditAmount = credit
		entity.DueDate = time.Unix(dueUnix, 0).UTC()
		entity.Verified = verified != 0
		entity.Burned = burned != 0
		if mintUnix > 0 {
			entity.MintedAt = time.Unix(mintUnix, 0).UTC()
		}
		if burnUnix > 0 {
			entity.BurnedAt = time.Unix(burnUnix, 0).UTC()
		}
		out = append(out, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}
