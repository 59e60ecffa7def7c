package syncer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/invoice/ledger"
)

var (
	supplierA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyerB    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	otherC    = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func entityFixture(tokenID uint64, verified, burned bool) invoice.Invoice {
	inv := invoice.Invoice{
		TokenID:      tokenID,
		InvoiceID:    fmt.Sprintf("INV-%d", tokenID),
		Supplier:     supplierA,
		Buyer:        buyerB,
		CreditAmount: big.NewInt(int64(tokenID) * 10_000000),
		DueDate:      time.Unix(1_760_000_000, 0).UTC(),
		DocumentHash: fmt.Sprintf("0xdoc%d", tokenID),
		Verified:     verified,
		Burned:       burned,
		MintedAt:     time.Unix(1_750_000_000, 0).UTC(),
	}
	if burned {
		inv.BurnedAt = time.Unix(1_755_000_000, 0).UTC()
		inv.BurnReason = "settled"
	}
	return inv
}

// fakeLedger is an in-memory ledger.Client. Writes submitted through it have
// no visible effect until AwaitFinal succeeds, mirroring the real boundary.
type fakeLedger struct {
	mu sync.Mutex

	head  uint64
	total uint64
	// live serves Entity; hist serves HistoricalEntity and keeps burned
	// tokens that the live view has forgotten.
	live   map[uint64]invoice.Invoice
	hist   map[uint64]invoice.Invoice
	events []ledger.MintEvent
	owners map[common.Address][]uint64

	headErr   error
	totalErr  error
	rangeErr  error
	entityErr map[uint64]error
	histErr   map[uint64]error
	submitErr error
	finalErr  error

	nextTokenID uint64
	submitted   []ledger.WriteCall
	pending     map[common.Hash]ledger.WriteCall

	entityReads int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		head:        5000,
		live:        make(map[uint64]invoice.Invoice),
		hist:        make(map[uint64]invoice.Invoice),
		owners:      make(map[common.Address][]uint64),
		entityErr:   make(map[uint64]error),
		histErr:     make(map[uint64]error),
		pending:     make(map[common.Hash]ledger.WriteCall),
		nextTokenID: 1,
	}
}

// add registers an entity with the fake, updating the live view, history,
// owner index, mint events and the token counter.
func (f *fakeLedger) add(inv invoice.Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(inv)
}

func (f *fakeLedger) addLocked(inv invoice.Invoice) {
	if !inv.Burned {
		f.live[inv.TokenID] = inv
	} else {
		delete(f.live, inv.TokenID)
	}
	f.hist[inv.TokenID] = inv
	f.owners[inv.Supplier] = appendUnique(f.owners[inv.Supplier], inv.TokenID)
	f.owners[inv.Buyer] = appendUnique(f.owners[inv.Buyer], inv.TokenID)
	f.events = append(f.events, ledger.MintEvent{
		TokenID:     inv.TokenID,
		Supplier:    inv.Supplier,
		BlockNumber: f.head,
	})
	if inv.TokenID > f.total {
		f.total = inv.TokenID
	}
	if inv.TokenID >= f.nextTokenID {
		f.nextTokenID = inv.TokenID + 1
	}
}

func appendUnique(ids []uint64, id uint64) []uint64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func (f *fakeLedger) LatestBlock(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeLedger) TotalCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.totalErr != nil {
		return 0, f.totalErr
	}
	return f.total, nil
}

func (f *fakeLedger) Entity(ctx context.Context, tokenID uint64) (invoice.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return invoice.Invoice{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entityReads++
	if err, ok := f.entityErr[tokenID]; ok {
		return invoice.Invoice{}, err
	}
	inv, ok := f.live[tokenID]
	if !ok {
		return invoice.Invoice{}, ledger.ErrNotFound
	}
	return inv.Copy(), nil
}

func (f *fakeLedger) HistoricalEntity(ctx context.Context, tokenID uint64) (invoice.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return invoice.Invoice{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.histErr[tokenID]; ok {
		return invoice.Invoice{}, err
	}
	inv, ok := f.hist[tokenID]
	if !ok {
		return invoice.Invoice{}, ledger.ErrNotFound
	}
	return inv.Copy(), nil
}

func (f *fakeLedger) MintEventsInRange(ctx context.Context, fromBlock, toBlock uint64, supplier *common.Address) ([]ledger.MintEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	var out []ledger.MintEvent
	for _, event := range f.events {
		if event.BlockNumber < fromBlock || event.BlockNumber > toBlock {
			continue
		}
		if supplier != nil && event.Supplier != *supplier {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

func (f *fakeLedger) OwnerTokenIDs(ctx context.Context, owner common.Address) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.owners[owner]...), nil
}

func (f *fakeLedger) OwnerHistoryPage(ctx context.Context, owner common.Address, offset, limit uint64) ([]invoice.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.owners[owner]
	if offset >= uint64(len(ids)) {
		return nil, nil
	}
	end := offset + limit
	if end > uint64(len(ids)) {
		end = uint64(len(ids))
	}
	var out []invoice.Invoice
	for _, id := range ids[offset:end] {
		if inv, ok := f.hist[id]; ok {
			out = append(out, inv.Copy())
		}
	}
	return out, nil
}

func (f *fakeLedger) Submit(ctx context.Context, call ledger.WriteCall) (ledger.PendingHandle, error) {
	if err := ctx.Err(); err != nil {
		return ledger.PendingHandle{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return ledger.PendingHandle{}, f.submitErr
	}
	f.submitted = append(f.submitted, call)
	hash := gethcrypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", len(f.submitted))))
	f.pending[hash] = call
	return ledger.PendingHandle{TxHash: hash, Call: call}, nil
}

// AwaitFinal applies the pending call's effect only on success, so no test
// can observe a mutation before finality.
func (f *fakeLedger) AwaitFinal(ctx context.Context, handle ledger.PendingHandle) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalErr != nil {
		return ledger.Receipt{}, f.finalErr
	}
	call, ok := f.pending[handle.TxHash]
	if !ok {
		return ledger.Receipt{}, fmt.Errorf("unknown pending tx %s", handle.TxHash.Hex())
	}
	delete(f.pending, handle.TxHash)

	receipt := ledger.Receipt{TxHash: handle.TxHash, BlockNumber: f.head, GasUsed: 21000}
	switch v := call.(type) {
	case ledger.MintCall:
		tokenID := f.nextTokenID
		f.addLocked(invoice.Invoice{
			TokenID:      tokenID,
			InvoiceID:    v.Params.InvoiceID,
			Supplier:     supplierA,
			Buyer:        v.Params.Buyer,
			CreditAmount: new(big.Int).Set(v.Params.CreditAmount),
			DueDate:      v.Params.DueDate,
			DocumentHash: v.Params.DocumentHash,
			MintedAt:     time.Unix(1_750_000_000, 0).UTC(),
		})
		receipt.TokenID = tokenID
	case ledger.VerifyCall:
		inv, ok := f.hist[v.TokenID]
		if !ok {
			return ledger.Receipt{}, fmt.Errorf("verify unknown token %d", v.TokenID)
		}
		inv.Verified = true
		f.hist[v.TokenID] = inv
		if live, ok := f.live[v.TokenID]; ok {
			live.Verified = true
			f.live[v.TokenID] = live
		}
		receipt.TokenID = v.TokenID
	case ledger.ApproveCall:
		receipt.TokenID = v.TokenID
	}
	return receipt, nil
}

var _ ledger.Client = (*fakeLedger)(nil)
