package evm

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/invoice/ledger"
)

// contractABI is the surface of the invoice token contract the engine uses.
// View calls revert for unknown ids; getInvoiceHistory also serves burned
// tokens, which getInvoiceDetails does not.
const contractABI = `[
  {"type":"function","name":"createInvoice","stateMutability":"nonpayable","inputs":[
    {"name":"buyer","type":"address"},
    {"name":"invoiceId","type":"string"},
    {"name":"creditAmount","type":"uint256"},
    {"name":"dueDate","type":"uint256"},
    {"name":"documentHash","type":"string"}],"outputs":[]},
  {"type":"function","name":"verifyInvoice","stateMutability":"nonpayable","inputs":[
    {"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},
    {"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"invoiceCount","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256"}]},
  {"type":"function","name":"getInvoiceDetails","stateMutability":"view","inputs":[
    {"name":"tokenId","type":"uint256"}],"outputs":[
    {"name":"invoiceId","type":"string"},
    {"name":"supplier","type":"address"},
    {"name":"buyer","type":"address"},
    {"name":"creditAmount","type":"uint256"},
    {"name":"dueDate","type":"uint256"},
    {"name":"documentHash","type":"string"},
    {"name":"isVerified","type":"bool"},
    {"name":"mintTime","type":"uint256"}]},
  {"type":"function","name":"getInvoiceHistory","stateMutability":"view","inputs":[
    {"name":"tokenId","type":"uint256"}],"outputs":[
    {"name":"invoiceId","type":"string"},
    {"name":"supplier","type":"address"},
    {"name":"buyer","type":"address"},
    {"name":"creditAmount","type":"uint256"},
    {"name":"dueDate","type":"uint256"},
    {"name":"documentHash","type":"string"},
    {"name":"isVerified","type":"bool"},
    {"name":"mintTime","type":"uint256"},
    {"name":"isBurned","type":"bool"},
    {"name":"burnTime","type":"uint256"},
    {"name":"burnReason","type":"string"}]},
  {"type":"function","name":"getUserInvoices","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"}],"outputs":[
    {"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getUserInvoiceHistory","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},
    {"name":"offset","type":"uint256"},
    {"name":"limit","type":"uint256"}],"outputs":[
    {"name":"","type":"uint256[]"}]},
  {"type":"event","name":"InvoiceMinted","inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"supplier","type":"address","indexed":true},
    {"name":"invoiceId","type":"string","indexed":false}],"anonymous":false}
]`

var mintEventTopic = gethcrypto.Keccak256Hash([]byte("InvoiceMinted(uint256,address,string)"))

func parseContractABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse contract abi: %w", err)
	}
	return parsed, nil
}

// decodeMintEvent extracts the identity fields from an InvoiceMinted log.
func decodeMintEvent(log gethtypes.Log) (ledger.MintEvent, error) {
	if len(log.Topics) < 3 || log.Topics[0] != mintEventTopic {
		return ledger.MintEvent{}, fmt.Errorf("log is not an InvoiceMinted event")
	}
	tokenID := new(big.Int).SetBytes(log.Topics[1].Bytes())
	if !tokenID.IsUint64() {
		return ledger.MintEvent{}, fmt.Errorf("token id %s exceeds uint64", tokenID)
	}
	return ledger.MintEvent{
		TokenID:     tokenID.Uint64(),
		Supplier:    common.BytesToAddress(log.Topics[2].Bytes()),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
	}, nil
}

// decodeDetails maps the getInvoiceDetails output tuple onto the canonical
// entity. Live reads never describe a burned token.
func decodeDetails(tokenID uint64, out []interface{}) (invoice.Invoice, error) {
	if len(out) != 8 {
		return invoice.Invoice{}, fmt.Errorf("invoice details: expected 8 values, got %d", len(out))
	}
	inv, err := decodeCommon(tokenID, out[:8])
	if err != nil {
		return invoice.Invoice{}, err
	}
	return inv, nil
}

// decodeHistory maps the getInvoiceHistory output tuple, including burn
// metadata, onto the canonical entity.
func decodeHistory(tokenID uint64, out []interface{}) (invoice.Invoice, error) {
	if len(out) != 11 {
		return invoice.Invoice{}, fmt.Errorf("invoice history: expected 11 values, got %d", len(out))
	}
	inv, err := decodeCommon(tokenID, out[:8])
	if err != nil {
		return invoice.Invoice{}, err
	}
	burned, ok := out[8].(bool)
	if !ok {
		return invoice.Invoice{}, fmt.Errorf("invoice history: bad isBurned field")
	}
	burnTime, ok := out[9].(*big.Int)
	if !ok {
		return invoice.Invoice{}, fmt.Errorf("invoice history: bad burnTime field")
	}
	reason, ok := out[10].(string)
	if !ok {
		return invoice.Invoice{}, fmt.Errorf("invoice history: bad burnReason field")
	}
	inv.Burned = burned
	if burned {
		if burnTime.Sign() > 0 {
			inv.BurnedAt = time.Unix(burnTime.Int64(), 0).UTC()
		}
		inv.BurnReason = reason
	}
	return inv, nil
}

func decodeCommon(tokenID uint64, out []interface{}) (invoice.Invoice, error) {
	invoiceID, ok0 := out[0].(string)
	supplier, ok1 := out[1].(common.Address)
	buyer, ok2 := out[2].(common.Address)
	amount, ok3 := out[3].(*big.Int)
	dueDate, ok4 := out[4].(*big.Int)
	docHash, ok5 := out[5].(string)
	verified, ok6 := out[6].(bool)
	mintTime, ok7 := out[7].(*big.Int)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return invoice.Invoice{}, fmt.Errorf("invoice tuple has unexpected field types")
	}
	inv := invoice.Invoice{
		TokenID:      tokenID,
		InvoiceID:    invoiceID,
		Supplier:     supplier,
		Buyer:        buyer,
		CreditAmount: new(big.Int).Set(amount),
		DueDate:      time.Unix(dueDate.Int64(), 0).UTC(),
		DocumentHash: docHash,
		Verified:     verified,
	}
	if mintTime.Sign() > 0 {
		inv.MintedAt = time.Unix(mintTime.Int64(), 0).UTC()
	}
	return inv, nil
}
