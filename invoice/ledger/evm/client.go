// Package evm implements the ledger boundary against an EVM-compatible chain
// holding the invoice token contract. All reads go through a shared rate
// limiter so bulk probing cannot overwhelm the RPC provider.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/invoice/ledger"
)

const (
	defaultReadsPerSecond = 20
	defaultPollInterval   = 2 * time.Second
)

// Config captures the settings needed to bind the client to a deployed
// invoice token contract.
type Config struct {
	NodeURL         string
	ContractAddress common.Address
	ChainID         *big.Int
	// PrivateKeyHex signs write calls. Read-only deployments may leave it
	// empty; Submit then fails with a configuration error.
	PrivateKeyHex  string
	Confirmations  uint64
	PollInterval   time.Duration
	ReadsPerSecond float64
}

// Client implements ledger.Client over go-ethereum.
type Client struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	signer   *bind.TransactOpts
	confirms uint64
	poll     time.Duration
	throttle *rate.Limiter
	log      *slog.Logger

	// Serialises transaction submission so concurrent writes do not race
	// on the account nonce.
	txMu sync.Mutex
}

var _ ledger.Client = (*Client)(nil)

// Dial connects to the node and binds the contract.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	url := strings.TrimSpace(cfg.NodeURL)
	if url == "" {
		return nil, fmt.Errorf("node url required")
	}
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial node: %w", err)
	}
	client, err := New(eth, cfg, logger)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return client, nil
}

// New binds the contract on an already-dialed backend.
func New(eth *ethclient.Client, cfg Config, logger *slog.Logger) (*Client, error) {
	if (cfg.ContractAddress == common.Address{}) {
		return nil, fmt.Errorf("contract address required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	parsed, err := parseContractABI()
	if err != nil {
		return nil, err
	}
	rps := cfg.ReadsPerSecond
	if rps <= 0 {
		rps = defaultReadsPerSecond
	}
	// A fractional rate truncates to burst 0, which blocks every Wait.
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	c := &Client{
		eth:      eth,
		contract: bind.NewBoundContract(cfg.ContractAddress, parsed, eth, eth, eth),
		abi:      parsed,
		address:  cfg.ContractAddress,
		confirms: cfg.Confirmations,
		poll:     poll,
		throttle: rate.NewLimiter(rate.Limit(rps), burst),
		log:      logger.With("component", "evm-client"),
	}
	if key := strings.TrimSpace(strings.TrimPrefix(cfg.PrivateKeyHex, "0x")); key != "" {
		if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
			return nil, fmt.Errorf("chain id required for signing")
		}
		priv, err := gethcrypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		signer, err := bind.NewKeyedTransactorWithChainID(priv, cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("build transactor: %w", err)
		}
		c.signer = signer
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

// SignerAddress returns the account used for write calls, or the zero address
// when the client is read-only.
func (c *Client) SignerAddress() common.Address {
	if c == nil || c.signer == nil {
		return common.Address{}
	}
	return c.signer.From
}

// LatestBlock returns the current head height.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return 0, err
	}
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	return head, nil
}

// TotalCount reads the contract's token counter. A revert means the deployed
// contract does not expose the view, which is reported as ErrUnsupported so
// callers fall back to the fixed probe floor.
func (c *Client) TotalCount(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.call(ctx, &out, "invoiceCount"); err != nil {
		if isRevert(err) {
			return 0, ledger.ErrUnsupported
		}
		return 0, err
	}
	count, ok := out[0].(*big.Int)
	if !ok || !count.IsUint64() {
		return 0, fmt.Errorf("invoiceCount returned unusable value")
	}
	return count.Uint64(), nil
}

// Entity reads the live record for a token id.
func (c *Client) Entity(ctx context.Context, tokenID uint64) (invoice.Invoice, error) {
	var out []interface{}
	if err := c.call(ctx, &out, "getInvoiceDetails", new(big.Int).SetUint64(tokenID)); err != nil {
		if isRevert(err) {
			return invoice.Invoice{}, ledger.ErrNotFound
		}
		return invoice.Invoice{}, err
	}
	return decodeDetails(tokenID, out)
}

// HistoricalEntity reads the lifecycle record for a token id, including
// burned tokens.
func (c *Client) HistoricalEntity(ctx context.Context, tokenID uint64) (invoice.Invoice, error) {
	var out []interface{}
	if err := c.call(ctx, &out, "getInvoiceHistory", new(big.Int).SetUint64(tokenID)); err != nil {
		if isRevert(err) {
			return invoice.Invoice{}, ledger.ErrNotFound
		}
		return invoice.Invoice{}, err
	}
	return decodeHistory(tokenID, out)
}

// MintEventsInRange queries InvoiceMinted logs over a bounded block window,
// optionally pre-filtered to one supplier. Providers cap the permitted span;
// a rejected query surfaces as ErrUnsupported.
func (c *Client) MintEventsInRange(ctx context.Context, fromBlock, toBlock uint64, supplier *common.Address) ([]ledger.MintEvent, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	topics := [][]common.Hash{{mintEventTopic}}
	if supplier != nil {
		topics = append(topics, nil, []common.Hash{common.BytesToHash(supplier.Bytes())})
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics:    topics,
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs [%d,%d]: %v", ledger.ErrUnsupported, fromBlock, toBlock, err)
	}
	events := make([]ledger.MintEvent, 0, len(logs))
	for _, entry := range logs {
		event, err := decodeMintEvent(entry)
		if err != nil {
			c.log.Warn("skipping undecodable mint log", "block", entry.BlockNumber, "err", err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// OwnerTokenIDs lists every token id ever associated with the owner,
// including burned ones.
func (c *Client) OwnerTokenIDs(ctx context.Context, owner common.Address) ([]uint64, error) {
	var out []interface{}
	if err := c.call(ctx, &out, "getUserInvoices", owner); err != nil {
		if isRevert(err) {
			return nil, nil
		}
		return nil, err
	}
	return toUint64IDs(out)
}

// OwnerHistoryPage returns one page of the owner's lifecycle records. The
// contract serves ids; each is materialised with a historical point read.
func (c *Client) OwnerHistoryPage(ctx context.Context, owner common.Address, offset, limit uint64) ([]invoice.Invoice, error) {
	var out []interface{}
	err := c.call(ctx, &out, "getUserInvoiceHistory", owner,
		new(big.Int).SetUint64(offset), new(big.Int).SetUint64(limit))
	if err != nil {
		if isRevert(err) {
			return nil, nil
		}
		return nil, err
	}
	ids, err := toUint64IDs(out)
	if err != nil {
		return nil, err
	}
	page := make([]invoice.Invoice, 0, len(ids))
	for _, id := range ids {
		inv, err := c.HistoricalEntity(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return page, ctx.Err()
			}
			c.log.Warn("skipping unreadable history entry", "token_id", id, "err", err)
			continue
		}
		page = append(page, inv)
	}
	return page, nil
}

func (c *Client) call(ctx context.Context, out *[]interface{}, method string, args ...interface{}) error {
	if err := c.throttle.Wait(ctx); err != nil {
		return err
	}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, out, method, args...); err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	return nil
}

func toUint64IDs(out []interface{}) ([]uint64, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("expected one return value, got %d", len(out))
	}
	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected uint256[] return value")
	}
	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		if id == nil || !id.IsUint64() {
			return nil, fmt.Errorf("token id out of range")
		}
		ids = append(ids, id.Uint64())
	}
	return ids, nil
}

// isRevert reports whether the error came from contract execution rather than
// transport. Reverting views signal "no such entity" for this contract.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "execution reverted")
}
