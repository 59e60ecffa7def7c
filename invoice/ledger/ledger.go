// Package ledger defines the read/write boundary between the reconciliation
// engine and the external invoice token ledger. The engine depends on nothing
// beyond this surface; the EVM implementation lives in the evm subpackage.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Adi-21/metrikprotocol/invoice"
)

var (
	// ErrNotFound is returned by point reads for token ids the ledger does
	// not know. Sparse id spaces are normal; callers treat this as a skip,
	// not a failure.
	ErrNotFound = errors.New("ledger: entity not found")

	// ErrUnsupported is returned when the provider cannot serve a call at
	// all, e.g. a total-count view the contract does not expose or a log
	// query whose range the provider rejects. Distinct from a zero result.
	ErrUnsupported = errors.New("ledger: call unsupported by provider")
)

// MintEvent is one decoded mint log entry. Only the identity fields are
// carried; callers materialise the full entity with a point read.
type MintEvent struct {
	TokenID     uint64
	Supplier    common.Address
	BlockNumber uint64
	TxHash      common.Hash
}

// WriteCall is the closed set of state-changing ledger operations. Modelling
// the calls as tagged variants keeps malformed call shapes unrepresentable.
type WriteCall interface {
	callName() string
}

// MintCall creates a new invoice token from validated parameters.
type MintCall struct {
	Params invoice.MintParams
}

// VerifyCall flips the verification flag of an existing token.
type VerifyCall struct {
	TokenID uint64
}

// ApproveCall grants transfer rights on a token to a spender.
type ApproveCall struct {
	TokenID uint64
	Spender common.Address
}

func (MintCall) callName() string    { return "mint" }
func (VerifyCall) callName() string  { return "verify" }
func (ApproveCall) callName() string { return "approve" }

// Name identifies a write call for logs and metrics labels.
func Name(call WriteCall) string {
	if call == nil {
		return "unknown"
	}
	return call.callName()
}

// PendingHandle tracks a submitted but not yet final write.
type PendingHandle struct {
	TxHash common.Hash
	Call   WriteCall
}

// Receipt describes a finalized write. TokenID is populated for mint calls
// from the emitted mint event; other calls echo the id they targeted.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	TokenID     uint64
}

// Client is the full ledger surface the engine consumes.
//
// Reads are idempotent and safe to issue concurrently. TotalCount and range
// queries may return ErrUnsupported; point reads return ErrNotFound for
// missing ids. Submit returns before the write is visible anywhere;
// AwaitFinal blocks until finality or ctx cancellation.
type Client interface {
	LatestBlock(ctx context.Context) (uint64, error)
	TotalCount(ctx context.Context) (uint64, error)
	Entity(ctx context.Context, tokenID uint64) (invoice.Invoice, error)
	MintEventsInRange(ctx context.Context, fromBlock, toBlock uint64, supplier *common.Address) ([]MintEvent, error)
	HistoricalEntity(ctx context.Context, tokenID uint64) (invoice.Invoice, error)
	OwnerTokenIDs(ctx context.Context, owner common.Address) ([]uint64, error)
	OwnerHistoryPage(ctx context.Context, owner common.Address, offset, limit uint64) ([]invoice.Invoice, error)
	Submit(ctx context.Context, call WriteCall) (PendingHandle, error)
	AwaitFinal(ctx context.Context, handle PendingHandle) (Receipt, error)
}
