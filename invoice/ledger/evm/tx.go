package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Adi-21/metrikprotocol/invoice/ledger"
)

// ErrTxFailed reports a transaction that was mined but reverted on-chain.
var ErrTxFailed = errors.New("evm: transaction reverted")

// Submit signs and broadcasts the write call. The returned handle carries the
// transaction hash; nothing is visible on the ledger until AwaitFinal reports
// success.
func (c *Client) Submit(ctx context.Context, call ledger.WriteCall) (ledger.PendingHandle, error) {
	if c.signer == nil {
		return ledger.PendingHandle{}, fmt.Errorf("client has no signing key configured")
	}
	c.txMu.Lock()
	defer c.txMu.Unlock()

	opts := *c.signer
	opts.Context = ctx

	var (
		tx  *gethtypes.Transaction
		err error
	)
	switch v := call.(type) {
	case ledger.MintCall:
		tx, err = c.contract.Transact(&opts, "createInvoice",
			v.Params.Buyer,
			v.Params.InvoiceID,
			new(big.Int).Set(v.Params.CreditAmount),
			big.NewInt(v.Params.DueDate.Unix()),
			v.Params.DocumentHash,
		)
	case ledger.VerifyCall:
		tx, err = c.contract.Transact(&opts, "verifyInvoice", new(big.Int).SetUint64(v.TokenID))
	case ledger.ApproveCall:
		tx, err = c.contract.Transact(&opts, "approve", v.Spender, new(big.Int).SetUint64(v.TokenID))
	default:
		return ledger.PendingHandle{}, fmt.Errorf("unsupported write call %T", call)
	}
	if err != nil {
		return ledger.PendingHandle{}, fmt.Errorf("submit %s: %w", ledger.Name(call), err)
	}
	c.log.Info("transaction submitted", "call", ledger.Name(call), "tx", tx.Hash().Hex())
	return ledger.PendingHandle{TxHash: tx.Hash(), Call: call}, nil
}

// AwaitFinal polls for the receipt and then waits for the configured
// confirmation depth. It blocks until finality, a reverted execution, or ctx
// cancellation; the caller bounds the wait with a context deadline.
func (c *Client) AwaitFinal(ctx context.Context, handle ledger.PendingHandle) (ledger.Receipt, error) {
	receipt, err := c.waitReceipt(ctx, handle)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ErrTxFailed, handle.TxHash.Hex())
	}
	if c.confirms > 0 {
		if err := c.waitConfirmations(ctx, receipt.BlockNumber); err != nil {
			return ledger.Receipt{}, err
		}
	}
	final := ledger.Receipt{
		TxHash:      handle.TxHash,
		GasUsed:     receipt.GasUsed,
		TokenID:     targetTokenID(handle.Call),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	if _, ok := handle.Call.(ledger.MintCall); ok {
		tokenID, err := mintedTokenID(receipt)
		if err != nil {
			return ledger.Receipt{}, err
		}
		final.TokenID = tokenID
	}
	return final, nil
}

func (c *Client) waitReceipt(ctx context.Context, handle ledger.PendingHandle) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, handle.TxHash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("await %s finality: %w", ledger.Name(handle.Call), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) waitConfirmations(ctx context.Context, mined *big.Int) error {
	want := new(big.Int).SetUint64(c.confirms)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		header, err := c.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("fetch head: %w", err)
		}
		if header != nil && header.Number != nil && mined != nil {
			depth := new(big.Int).Sub(header.Number, mined)
			if depth.Cmp(want) >= 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("await confirmations: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// mintedTokenID recovers the ledger-assigned id from the InvoiceMinted event
// emitted by the mint transaction.
func mintedTokenID(receipt *gethtypes.Receipt) (uint64, error) {
	for _, entry := range receipt.Logs {
		if entry == nil {
			continue
		}
		event, err := decodeMintEvent(*entry)
		if err != nil {
			continue
		}
		return event.TokenID, nil
	}
	return 0, fmt.Errorf("mint receipt %s carries no InvoiceMinted event", receipt.TxHash.Hex())
}

func targetTokenID(call ledger.WriteCall) uint64 {
	switch v := call.(type) {
	case ledger.VerifyCall:
		return v.TokenID
	case ledger.ApproveCall:
		return v.TokenID
	}
	return 0
}
