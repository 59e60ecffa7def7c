package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/invoice/ledger"
	"github.com/Adi-21/metrikprotocol/observability/metrics"
)

// DefaultFinalityTimeout bounds how long a mutation waits for the ledger to
// confirm before giving up and reporting failure.
const DefaultFinalityTimeout = 2 * time.Minute

// ErrMutationFailed wraps submission and finality failures. The cache is
// untouched when this is returned; retrying is the caller's decision because
// re-submitting a ledger write risks duplication.
var ErrMutationFailed = errors.New("syncer: mutation failed")

// MutationState names the stages of a write call's lifecycle.
type MutationState string

const (
	StateRequested MutationState = "requested"
	StateSubmitted MutationState = "submitted"
	StatePending   MutationState = "pending"
	StateFinalized MutationState = "finalized"
	StateFailed    MutationState = "failed"
)

// Coordinator executes state-changing ledger calls and pulls the authoritative
// post-mutation state into the cache once finality is observed. It never
// mutates the cache optimistically: the cache reflects ledger-confirmed state
// only, so a caller can never see a premature verified or burned flag.
type Coordinator struct {
	client          ledger.Client
	cache           *Cache
	resolver        *Resolver
	finalityTimeout time.Duration
	now             func() time.Time
	log             *slog.Logger
	metrics         *metrics.SyncMetrics
}

// NewCoordinator builds a coordinator sharing the engine's cache and
// resolver.
func NewCoordinator(client ledger.Client, cache *Cache, resolver *Resolver, finalityTimeout time.Duration, logger *slog.Logger, m *metrics.SyncMetrics) *Coordinator {
	if finalityTimeout <= 0 {
		finalityTimeout = DefaultFinalityTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		client:          client,
		cache:           cache,
		resolver:        resolver,
		finalityTimeout: finalityTimeout,
		now:             time.Now,
		log:             logger.With("component", "coordinator"),
		metrics:         m,
	}
}

// Mint validates the parameters, submits the mint call, waits for finality
// and materialises the newly assigned token into the cache. Validation
// failures never reach the ledger.
func (c *Coordinator) Mint(ctx context.Context, params invoice.MintParams) (invoice.Invoice, error) {
	if err := params.Validate(c.now()); err != nil {
		return invoice.Invoice{}, err
	}
	receipt, err := c.execute(ctx, ledger.MintCall{Params: params})
	if err != nil {
		return invoice.Invoice{}, err
	}
	entity, err := c.client.Entity(ctx, receipt.TokenID)
	if err != nil {
		return invoice.Invoice{}, fmt.Errorf("read minted token %d: %w", receipt.TokenID, err)
	}
	if err := c.cache.Merge(entity); err != nil {
		return invoice.Invoice{}, err
	}
	merged, _ := c.cache.Get(receipt.TokenID)
	return merged, nil
}

// Verify flips the verification flag of an existing token and resyncs it.
func (c *Coordinator) Verify(ctx context.Context, tokenID uint64) (invoice.Invoice, error) {
	if tokenID == 0 {
		return invoice.Invoice{}, fmt.Errorf("%w: token id required", invoice.ErrInvalidParams)
	}
	if _, err := c.execute(ctx, ledger.VerifyCall{TokenID: tokenID}); err != nil {
		return invoice.Invoice{}, err
	}
	return c.resolver.ResolveOne(ctx, tokenID)
}

// Approve grants transfer rights on a token to a spender and resyncs the
// token. The ledger receipt is returned so callers can correlate the grant.
func (c *Coordinator) Approve(ctx context.Context, tokenID uint64, spender common.Address) (ledger.Receipt, error) {
	if tokenID == 0 {
		return ledger.Receipt{}, fmt.Errorf("%w: token id required", invoice.ErrInvalidParams)
	}
	if spender == (common.Address{}) {
		return ledger.Receipt{}, fmt.Errorf("%w: spender address required", invoice.ErrInvalidParams)
	}
	receipt, err := c.execute(ctx, ledger.ApproveCall{TokenID: tokenID, Spender: spender})
	if err != nil {
		return ledger.Receipt{}, err
	}
	if _, err := c.resolver.ResolveOne(ctx, tokenID); err != nil {
		return ledger.Receipt{}, err
	}
	return receipt, nil
}

// execute drives one write call through requested/submitted/pending to a
// terminal state. Failures after submission leave the cache untouched.
func (c *Coordinator) execute(ctx context.Context, call ledger.WriteCall) (ledger.Receipt, error) {
	requestID := uuid.NewString()
	name := ledger.Name(call)
	logger := c.log.With("call", name, "request_id", requestID)
	logger.Info("mutation requested", "state", StateRequested)

	started := c.now()
	handle, err := c.client.Submit(ctx, call)
	if err != nil {
		c.metrics.ObserveMutation(name, string(StateFailed), 0)
		return ledger.Receipt{}, fmt.Errorf("%w: submit %s: %v", ErrMutationFailed, name, err)
	}
	logger.Info("mutation submitted", "state", StateSubmitted, "tx", handle.TxHash.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, c.finalityTimeout)
	defer cancel()
	logger.Info("awaiting finality", "state", StatePending)
	receipt, err := c.client.AwaitFinal(waitCtx, handle)
	if err != nil {
		c.metrics.ObserveMutation(name, string(StateFailed), 0)
		logger.Warn("mutation failed", "state", StateFailed, "err", err)
		return ledger.Receipt{}, fmt.Errorf("%w: await %s: %v", ErrMutationFailed, name, err)
	}
	elapsed := c.now().Sub(started)
	c.metrics.ObserveMutation(name, string(StateFinalized), elapsed.Seconds())
	logger.Info("mutation finalized", "state", StateFinalized,
		"tx", receipt.TxHash.Hex(), "block", receipt.BlockNumber, "token_id", receipt.TokenID)
	return receipt, nil
}
