// Package splitter wraps a pool position into principal (PT) and yield (YT)
// claims with a fixed maturity.
package splitter

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Claim kinds.
const (
	KindPT = "pt"
	KindYT = "yt"
)

// State is the splitter singleton.
type State struct {
	Address          common.Address `json:"address"`
	Maturity         int64          `json:"maturity"`
	PTSupply         *uint256.Int   `json:"pt_supply"`
	YTSupply         *uint256.Int   `json:"yt_supply"`
	YieldIndexE18    *uint256.Int   `json:"yield_index_e18"`
	LastYieldAccrual int64          `json:"last_yield_accrual"`
	// TrackedValue is what the splitter owes: outstanding principal, allocated
	// yield not yet claimed and Unallocated. The pool balance may sit below it
	// by rounding dust until growth makes the difference up.
	TrackedValue *uint256.Int `json:"tracked_value"`
	// Unallocated holds yield that accrued while no YT was outstanding.
	Unallocated *uint256.Int `json:"unallocated"`
}

// NewState creates an empty splitter. Maturity is immutable afterwards.
func NewState(address common.Address, maturity int64) State {
	return State{
		Address:       address,
		Maturity:      maturity,
		PTSupply:      new(uint256.Int),
		YTSupply:      new(uint256.Int),
		YieldIndexE18: new(uint256.Int),
		TrackedValue:  new(uint256.Int),
		Unallocated:   new(uint256.Int),
	}
}

func (s State) Validate() error {
	if s.PTSupply == nil || s.YTSupply == nil || s.YieldIndexE18 == nil || s.TrackedValue == nil || s.Unallocated == nil {
		return fmt.Errorf("splitter state has unset fields")
	}
	if s.Maturity <= 0 {
		return fmt.Errorf("splitter maturity must be positive, got %d", s.Maturity)
	}
	return nil
}

// Account is a holder's PT/YT balances and yield watermark.
type Account struct {
	PTBalance            *uint256.Int `json:"pt_balance"`
	YTBalance            *uint256.Int `json:"yt_balance"`
	ClaimedYieldIndexE18 *uint256.Int `json:"claimed_yield_index_e18"`
	AccruedYield         *uint256.Int `json:"accrued_yield"`
}

func zeroAccount() Account {
	return Account{
		PTBalance:            new(uint256.Int),
		YTBalance:            new(uint256.Int),
		ClaimedYieldIndexE18: new(uint256.Int),
		AccruedYield:         new(uint256.Int),
	}
}

func (a Account) normalized() Account {
	z := zeroAccount()
	if a.PTBalance != nil {
		z.PTBalance = a.PTBalance
	}
	if a.YTBalance != nil {
		z.YTBalance = a.YTBalance
	}
	if a.ClaimedYieldIndexE18 != nil {
		z.ClaimedYieldIndexE18 = a.ClaimedYieldIndexE18
	}
	if a.AccruedYield != nil {
		z.AccruedYield = a.AccruedYield
	}
	return z
}

// empty reports whether the account carries nothing worth storing.
func (a Account) empty() bool {
	return a.PTBalance.IsZero() && a.YTBalance.IsZero() && a.AccruedYield.IsZero()
}

// Accounts is read access to committed splitter accounts.
type Accounts interface {
	Account(addr common.Address) Account
	Holders() int
}

// AccountEntry pairs an address with its account.
type AccountEntry struct {
	Address common.Address `json:"address"`
	Account Account        `json:"account"`
}

// Book stores committed splitter accounts.
type Book struct {
	accounts map[common.Address]Account
}

func NewBook() *Book {
	return &Book{accounts: make(map[common.Address]Account)}
}

func (b *Book) Account(addr common.Address) Account {
	if a, ok := b.accounts[addr]; ok {
		return a
	}
	return zeroAccount()
}

// Apply commits accounts touched by a transaction. Accounts with no balance
// and no unclaimed yield are dropped; a fresh zero account settles to the
// same result because its YT balance is zero.
func (b *Book) Apply(entries []AccountEntry) {
	for _, e := range entries {
		a := e.Account.normalized()
		if a.empty() {
			delete(b.accounts, e.Address)
			continue
		}
		b.accounts[e.Address] = a
	}
}

// Holders is the number of stored accounts.
func (b *Book) Holders() int { return len(b.accounts) }

// All returns every stored account ordered by address.
func (b *Book) All() []AccountEntry {
	out := make([]AccountEntry, 0, len(b.accounts))
	for addr, a := range b.accounts {
		out = append(out, AccountEntry{Address: addr, Account: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

// Restore replaces all accounts.
func (b *Book) Restore(entries []AccountEntry) {
	b.accounts = make(map[common.Address]Account, len(entries))
	b.Apply(entries)
}

// ClaimHandle identifies one of the two claim balances.
type ClaimHandle struct {
	Kind        string         `json:"kind"`
	Issuer      common.Address `json:"issuer"`
	TotalSupply *uint256.Int   `json:"total_supply"`
}
