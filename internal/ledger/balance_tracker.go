package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrOverflow              = errors.New("balance overflow")
)

// MaxAllowance is never decremented by transferFrom.
var MaxAllowance = new(uint256.Int).Not(new(uint256.Int))

type allowanceKey struct {
	Owner   common.Address
	Spender common.Address
}

// BalanceTracker maintains in-memory balances and allowances of the
// underlying asset. The external boundary account is represented by the
// issued counter: its balance is -issued, so the ledger sums to zero when
// the non-external balances add up to issued.
type BalanceTracker struct {
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	systems    map[common.Address]bool
	issued     *uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		systems:    make(map[common.Address]bool),
		issued:     new(uint256.Int),
	}
}

// RegisterSystem marks addr as a protocol-held account.
func (bt *BalanceTracker) RegisterSystem(addr common.Address) {
	bt.systems[addr] = true
}

// KeyFor returns the account key for addr with its registered scope.
func (bt *BalanceTracker) KeyFor(addr common.Address) AccountKey {
	if bt.systems[addr] {
		return NewSystemAccountKey(addr)
	}
	return NewUserAccountKey(addr)
}

// BalanceOf returns the current balance for an address
func (bt *BalanceTracker) BalanceOf(addr common.Address) *uint256.Int {
	if b, ok := bt.balances[addr]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// GetBalance returns the balance for an account key. The external account
// has no positive balance; see Issued.
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if key.Scope == AccountScopeExternal {
		return new(uint256.Int)
	}
	return bt.BalanceOf(key.Address)
}

// Issued returns the total underlying minted into the ledger.
func (bt *BalanceTracker) Issued() *uint256.Int {
	return bt.issued.Clone()
}

func (bt *BalanceTracker) Allowance(owner, spender common.Address) *uint256.Int {
	if a, ok := bt.allowances[allowanceKey{owner, spender}]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// Approve sets spender's allowance on owner's balance.
func (bt *BalanceTracker) Approve(owner, spender common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		delete(bt.allowances, allowanceKey{owner, spender})
		return
	}
	bt.allowances[allowanceKey{owner, spender}] = amount.Clone()
}

// Transfer moves amount from one address to another. Fails without changing
// state.
func (bt *BalanceTracker) Transfer(from, to common.Address, amount *uint256.Int) error {
	return bt.applyJournals([]Journal{{
		DebitAccount:  bt.KeyFor(to),
		CreditAccount: bt.KeyFor(from),
		Amount:        amount,
		JournalType:   JournalTypeTransfer,
	}})
}

// TransferFrom moves amount on behalf of spender, consuming its allowance.
func (bt *BalanceTracker) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	s := spender
	return bt.applyJournals([]Journal{{
		DebitAccount:  bt.KeyFor(to),
		CreditAccount: bt.KeyFor(from),
		Spender:       &s,
		Amount:        amount,
		JournalType:   JournalTypeTransfer,
	}})
}

// ApplyBatch validates every journal against balances and allowances, then
// applies all of them. Nothing is applied if any journal fails.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	return bt.applyJournals(batch.Journals)
}

// CheckBatch runs ApplyBatch's validation without applying anything.
func (bt *BalanceTracker) CheckBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	_, err := bt.simulate(batch.Journals)
	return err
}

type pendingState struct {
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	issued     *uint256.Int
}

func (bt *BalanceTracker) simulate(journals []Journal) (*pendingState, error) {
	p := &pendingState{
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		issued:     bt.issued.Clone(),
	}
	balance := func(addr common.Address) *uint256.Int {
		if b, ok := p.balances[addr]; ok {
			return b
		}
		return bt.BalanceOf(addr)
	}

	for i, j := range journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return nil, fmt.Errorf("journal %d: non-positive amount", i)
		}
		if j.DebitAccount == j.CreditAccount {
			return nil, fmt.Errorf("journal %d: self transfer", i)
		}

		// credit side
		if j.CreditAccount.Scope == AccountScopeExternal {
			next, overflow := new(uint256.Int).AddOverflow(p.issued, j.Amount)
			if overflow {
				return nil, fmt.Errorf("journal %d: issuance: %w", i, ErrOverflow)
			}
			p.issued = next
		} else {
			from := j.CreditAccount.Address
			have := balance(from)
			if have.Lt(j.Amount) {
				return nil, fmt.Errorf("journal %d: %s has %s, needs %s: %w",
					i, j.CreditAccount.AccountPath(), have.Dec(), j.Amount.Dec(), ErrInsufficientFunds)
			}
			p.balances[from] = new(uint256.Int).Sub(have, j.Amount)

			if j.Spender != nil && *j.Spender != from {
				key := allowanceKey{from, *j.Spender}
				allowed, ok := p.allowances[key]
				if !ok {
					allowed = bt.Allowance(from, *j.Spender)
				}
				if !allowed.Eq(MaxAllowance) {
					if allowed.Lt(j.Amount) {
						return nil, fmt.Errorf("journal %d: spender %s allowed %s, needs %s: %w",
							i, j.Spender.Hex(), allowed.Dec(), j.Amount.Dec(), ErrInsufficientAllowance)
					}
					p.allowances[key] = new(uint256.Int).Sub(allowed, j.Amount)
				}
			}
		}

		// debit side
		if j.DebitAccount.Scope == AccountScopeExternal {
			if p.issued.Lt(j.Amount) {
				return nil, fmt.Errorf("journal %d: burn exceeds issuance: %w", i, ErrInsufficientFunds)
			}
			p.issued = new(uint256.Int).Sub(p.issued, j.Amount)
		} else {
			to := j.DebitAccount.Address
			next, overflow := new(uint256.Int).AddOverflow(balance(to), j.Amount)
			if overflow {
				return nil, fmt.Errorf("journal %d: %w", i, ErrOverflow)
			}
			p.balances[to] = next
		}
	}
	return p, nil
}

func (bt *BalanceTracker) applyJournals(journals []Journal) error {
	p, err := bt.simulate(journals)
	if err != nil {
		return err
	}
	for addr, b := range p.balances {
		if b.IsZero() {
			delete(bt.balances, addr)
			continue
		}
		bt.balances[addr] = b
	}
	for key, a := range p.allowances {
		if a.IsZero() {
			delete(bt.allowances, key)
			continue
		}
		bt.allowances[key] = a
	}
	bt.issued = p.issued
	return nil
}

// ComputeGlobalBalance returns the sum of all non-external balances.
func (bt *BalanceTracker) ComputeGlobalBalance() (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, b := range bt.balances {
		if _, overflow := total.AddOverflow(total, b); overflow {
			return nil, ErrOverflow
		}
	}
	return total, nil
}

// BalanceEntry is one row of a deterministic balance listing.
type BalanceEntry struct {
	Key    AccountKey
	Amount *uint256.Int
}

// Entries returns all non-zero balances sorted by account path, for state
// hashing and projection.
func (bt *BalanceTracker) Entries() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for addr, b := range bt.balances {
		out = append(out, BalanceEntry{Key: bt.KeyFor(addr), Amount: b.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.AccountPath() < out[j].Key.AccountPath()
	})
	return out
}

// AllowanceEntry is a serializable allowance.
type AllowanceEntry struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

// Snapshot is the serializable form of the tracker.
type Snapshot struct {
	Issued     *uint256.Int                    `json:"issued"`
	Balances   map[common.Address]*uint256.Int `json:"balances"`
	Allowances []AllowanceEntry                `json:"allowances"`
	Systems    []common.Address                `json:"systems"`
}

// Snapshot returns a deep copy of all ledger state.
func (bt *BalanceTracker) Snapshot() Snapshot {
	s := Snapshot{
		Issued:   bt.issued.Clone(),
		Balances: make(map[common.Address]*uint256.Int, len(bt.balances)),
	}
	for addr, b := range bt.balances {
		s.Balances[addr] = b.Clone()
	}
	for key, a := range bt.allowances {
		s.Allowances = append(s.Allowances, AllowanceEntry{Owner: key.Owner, Spender: key.Spender, Amount: a.Clone()})
	}
	sort.Slice(s.Allowances, func(i, j int) bool {
		if s.Allowances[i].Owner != s.Allowances[j].Owner {
			return s.Allowances[i].Owner.Cmp(s.Allowances[j].Owner) < 0
		}
		return s.Allowances[i].Spender.Cmp(s.Allowances[j].Spender) < 0
	})
	for addr := range bt.systems {
		s.Systems = append(s.Systems, addr)
	}
	sort.Slice(s.Systems, func(i, j int) bool { return s.Systems[i].Cmp(s.Systems[j]) < 0 })
	return s
}

// Restore replaces all tracker state with s.
func (bt *BalanceTracker) Restore(s Snapshot) {
	bt.balances = make(map[common.Address]*uint256.Int, len(s.Balances))
	for addr, b := range s.Balances {
		if b != nil && !b.IsZero() {
			bt.balances[addr] = b.Clone()
		}
	}
	bt.allowances = make(map[allowanceKey]*uint256.Int, len(s.Allowances))
	for _, a := range s.Allowances {
		bt.allowances[allowanceKey{a.Owner, a.Spender}] = a.Amount.Clone()
	}
	bt.systems = make(map[common.Address]bool, len(s.Systems))
	for _, addr := range s.Systems {
		bt.systems[addr] = true
	}
	bt.issued = new(uint256.Int)
	if s.Issued != nil {
		bt.issued = s.Issued.Clone()
	}
}
