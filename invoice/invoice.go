package invoice

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CreditScale is the number of fixed-point decimal digits carried by
// CreditAmount. An on-ledger value of 100_000000 represents 100.0 units.
const CreditScale = 6

// ErrInvalidParams marks a mint request rejected before it reaches the ledger.
var ErrInvalidParams = errors.New("invalid invoice parameters")

// Role selects which party field an owner query matches against.
type Role string

const (
	RoleSupplier Role = "supplier"
	RoleBuyer    Role = "buyer"
)

// ParseRole normalises a role string supplied by callers.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleSupplier:
		return RoleSupplier, nil
	case RoleBuyer:
		return RoleBuyer, nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

// Invoice is the canonical client-side record of an invoice token. TokenID is
// the ledger-assigned identity; every other immutable field is fixed at mint
// time. Verified and Burned are monotonic: they transition false to true at
// most once and never back.
type Invoice struct {
	TokenID      uint64
	InvoiceID    string
	Supplier     common.Address
	Buyer        common.Address
	CreditAmount *big.Int
	DueDate      time.Time
	DocumentHash string
	Verified     bool
	Burned       bool
	MintedAt     time.Time
	BurnedAt     time.Time
	BurnReason   string
}

// Copy returns a deep copy so cached entries never alias caller-held big.Ints.
func (inv Invoice) Copy() Invoice {
	out := inv
	if inv.CreditAmount != nil {
		out.CreditAmount = new(big.Int).Set(inv.CreditAmount)
	}
	return out
}

// SameImmutables reports whether two observations of the same token agree on
// every field that the ledger fixes at mint time. A mismatch means one of the
// reads is corrupt and must be surfaced, not papered over.
func (inv Invoice) SameImmutables(other Invoice) bool {
	if inv.TokenID != other.TokenID {
		return false
	}
	if inv.InvoiceID != other.InvoiceID {
		return false
	}
	if inv.Supplier != other.Supplier || inv.Buyer != other.Buyer {
		return false
	}
	if inv.DocumentHash != other.DocumentHash {
		return false
	}
	if !inv.DueDate.Equal(other.DueDate) {
		return false
	}
	a, b := inv.CreditAmount, other.CreditAmount
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	}
	return a.Cmp(b) == 0
}

// Party returns the address occupying the given role.
func (inv Invoice) Party(role Role) common.Address {
	if role == RoleBuyer {
		return inv.Buyer
	}
	return inv.Supplier
}

// FormatCredit renders a fixed-point credit amount as a decimal string.
func FormatCredit(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(CreditScale), nil)
	whole, frac := new(big.Int).QuoRem(amount, scale, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	digits := fmt.Sprintf("%0*s", CreditScale, new(big.Int).Abs(frac).String())
	digits = strings.TrimRight(digits, "0")
	return fmt.Sprintf("%s.%s", whole.String(), digits)
}

// MintParams carries the caller-supplied fields for a new invoice token.
type MintParams struct {
	InvoiceID    string
	Supplier     common.Address
	Buyer        common.Address
	CreditAmount *big.Int
	DueDate      time.Time
	DocumentHash string
}

// Validate enforces the pre-submission rules: all required fields present, a
// strictly positive amount, and a due date in the future relative to now.
// Failures never reach the ledger.
func (p MintParams) Validate(now time.Time) error {
	if strings.TrimSpace(p.InvoiceID) == "" {
		return fmt.Errorf("%w: invoice id required", ErrInvalidParams)
	}
	if p.Supplier == (common.Address{}) {
		return fmt.Errorf("%w: supplier address required", ErrInvalidParams)
	}
	if p.Buyer == (common.Address{}) {
		return fmt.Errorf("%w: buyer address required", ErrInvalidParams)
	}
	if p.CreditAmount == nil || p.CreditAmount.Sign() <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", ErrInvalidParams)
	}
	if !p.DueDate.After(now) {
		return fmt.Errorf("%w: due date must be in the future", ErrInvalidParams)
	}
	if strings.TrimSpace(p.DocumentHash) == "" {
		return fmt.Errorf("%w: document hash required", ErrInvalidParams)
	}
	return nil
}
