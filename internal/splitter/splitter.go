package splitter

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/event"
	"yieldledger/internal/ledger"
	fpmath "yieldledger/internal/math"
	"yieldledger/internal/state"
)

// Txn layers splitter bookkeeping over a pool transaction. The pool
// transaction must already be open at the same timestamp; all pool effects
// of splitter calls are recorded on it.
type Txn struct {
	Pool  *state.Txn
	State State

	base    Accounts
	touched map[common.Address]Account
	order   []common.Address
}

// Begin opens a splitter transaction and runs the yield accrual step.
func Begin(pool *state.Txn, s State, accounts Accounts) (*Txn, error) {
	tx := &Txn{
		Pool:    pool,
		State:   s,
		base:    accounts,
		touched: make(map[common.Address]Account),
	}
	if err := tx.accrueYield(); err != nil {
		return nil, err
	}
	return tx, nil
}

func (tx *Txn) Account(addr common.Address) Account {
	if a, ok := tx.touched[addr]; ok {
		return a
	}
	return tx.base.Account(addr).normalized()
}

func (tx *Txn) setAccount(addr common.Address, a Account) {
	if _, ok := tx.touched[addr]; !ok {
		tx.order = append(tx.order, addr)
	}
	tx.touched[addr] = a
}

// Touched lists modified accounts in first-touch order.
func (tx *Txn) Touched() []AccountEntry {
	out := make([]AccountEntry, 0, len(tx.order))
	for _, addr := range tx.order {
		out = append(out, AccountEntry{Address: addr, Account: tx.touched[addr]})
	}
	return out
}

// poolValue is the splitter's own balance in the pool.
func (tx *Txn) poolValue() (*uint256.Int, error) {
	v, err := tx.Pool.BalanceWithInterest(tx.State.Address)
	if err != nil {
		return nil, fmt.Errorf("splitter pool value: %w", err)
	}
	return v, nil
}

// accrueYield folds growth of the splitter's pool balance into the yield
// index. Only value above TrackedValue plus the payout reserve counts as
// yield; growth while no YT exists is parked in Unallocated. A shortfall
// left by rounding on earlier flows is made up before anything is allocated.
func (tx *Txn) accrueYield() error {
	value, err := tx.poolValue()
	if err != nil {
		return err
	}
	s := tx.State
	s.LastYieldAccrual = tx.Pool.Now
	reserve, err := tx.payoutReserve()
	if err != nil {
		return err
	}
	floor, err := fpmath.Add(s.TrackedValue, reserve)
	if err != nil {
		return fmt.Errorf("%w: yield accrual: %v", state.ErrArithmetic, err)
	}
	if !value.Gt(floor) {
		tx.State = s
		return nil
	}
	excess := new(uint256.Int).Sub(value, floor)
	if s.YTSupply.IsZero() {
		if s.Unallocated, err = fpmath.Add(s.Unallocated, excess); err == nil {
			s.TrackedValue, err = fpmath.Add(s.TrackedValue, excess)
		}
	} else {
		var step, allocated *uint256.Int
		step, err = fpmath.MulDiv(excess, fpmath.WAD, s.YTSupply, fpmath.RoundDown)
		if err == nil {
			s.YieldIndexE18, err = fpmath.Add(s.YieldIndexE18, step)
		}
		if err == nil {
			allocated, err = fpmath.MulDiv(step, s.YTSupply, fpmath.WAD, fpmath.RoundUp)
		}
		if err == nil {
			s.TrackedValue, err = fpmath.Add(s.TrackedValue, allocated)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: yield accrual: %v", state.ErrArithmetic, err)
	}
	tx.State = s
	return nil
}

// payoutReserve is the value held back from yield to absorb share rounding
// on payouts. Each pool withdrawal burns shares rounded up, which can cost
// the splitter up to one share's worth beyond the amount paid; every holder
// is owed at most a claim and a redemption.
func (tx *Txn) payoutReserve() (*uint256.Int, error) {
	price, err := tx.Pool.Pool.SharePriceE18()
	if err != nil {
		return nil, fmt.Errorf("payout reserve: %w", err)
	}
	perShare, err := fpmath.MulDiv(price, uint256.NewInt(1), fpmath.WAD, fpmath.RoundUp)
	if err != nil {
		return nil, fmt.Errorf("%w: payout reserve: %v", state.ErrArithmetic, err)
	}
	holders := uint64(tx.base.Holders())
	if holders == 0 {
		holders = 1
	}
	reserve, err := fpmath.MulDiv(perShare, uint256.NewInt(2*holders), uint256.NewInt(1), fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("%w: payout reserve: %v", state.ErrArithmetic, err)
	}
	return reserve, nil
}

// settle credits addr's YT with yield accrued since its watermark.
func (tx *Txn) settle(addr common.Address) (Account, error) {
	a := tx.Account(addr)
	if tx.State.YieldIndexE18.Gt(a.ClaimedYieldIndexE18) && !a.YTBalance.IsZero() {
		delta := new(uint256.Int).Sub(tx.State.YieldIndexE18, a.ClaimedYieldIndexE18)
		owed, err := fpmath.MulDiv(a.YTBalance, delta, fpmath.WAD, fpmath.RoundDown)
		if err != nil {
			return Account{}, fmt.Errorf("%w: settle: %v", state.ErrArithmetic, err)
		}
		if a.AccruedYield, err = fpmath.Add(a.AccruedYield, owed); err != nil {
			return Account{}, fmt.Errorf("%w: settle: %v", state.ErrArithmetic, err)
		}
	}
	a.ClaimedYieldIndexE18 = tx.State.YieldIndexE18.Clone()
	return a, nil
}

func (tx *Txn) move(from, to common.Address, amount *uint256.Int, typ ledger.JournalType, spender *common.Address) {
	fromKey := ledger.NewUserAccountKey(from)
	if from == tx.State.Address {
		fromKey = ledger.NewSystemAccountKey(from)
	}
	toKey := ledger.NewUserAccountKey(to)
	if to == tx.State.Address {
		toKey = ledger.NewSystemAccountKey(to)
	}
	tx.Pool.Move(ledger.Transfer{From: fromKey, To: toKey, Spender: spender, Amount: amount.Clone(), Type: typ})
}

// Split pulls amount from caller, supplies it to the pool on the
// splitter's behalf and mints amount PT and amount YT to recipient.
func (tx *Txn) Split(caller, recipient common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return state.ErrZeroAmount
	}
	spender := tx.State.Address
	tx.move(caller, tx.State.Address, amount, ledger.JournalTypeSplitPull, &spender)
	if err := tx.Pool.Deposit(tx.State.Address, amount); err != nil {
		return fmt.Errorf("split: %w", err)
	}

	a, err := tx.settle(recipient)
	if err != nil {
		return err
	}
	s := tx.State
	if a.PTBalance, err = fpmath.Add(a.PTBalance, amount); err == nil {
		if a.YTBalance, err = fpmath.Add(a.YTBalance, amount); err == nil {
			if s.PTSupply, err = fpmath.Add(s.PTSupply, amount); err == nil {
				if s.YTSupply, err = fpmath.Add(s.YTSupply, amount); err == nil {
					s.TrackedValue, err = fpmath.Add(s.TrackedValue, amount)
				}
			}
		}
	}
	if err != nil {
		return fmt.Errorf("%w: split: %v", state.ErrArithmetic, err)
	}
	tx.State = s
	tx.setAccount(recipient, a)
	tx.Pool.Emit(&event.Split{Caller: caller, Recipient: recipient, Amount: amount.Clone()})
	return nil
}

// RedeemPT burns amount PT from caller and pays amount underlying to
// recipient at par. Before maturity the same amount of YT is burned too.
func (tx *Txn) RedeemPT(caller, recipient common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return state.ErrZeroAmount
	}
	early := tx.Pool.Now < tx.State.Maturity
	a, err := tx.settle(caller)
	if err != nil {
		return err
	}
	s := tx.State
	if early {
		if a.YTBalance.Lt(amount) {
			return fmt.Errorf("redeem %s before maturity, holds %s YT: %w", amount.Dec(), a.YTBalance.Dec(), state.ErrInsufficientYTForEarlyRedeem)
		}
		a.YTBalance = new(uint256.Int).Sub(a.YTBalance, amount)
		s.YTSupply = fpmath.SatSub(s.YTSupply, amount)
	}
	if a.PTBalance.Lt(amount) {
		return fmt.Errorf("redeem %s, holds %s PT: %w", amount.Dec(), a.PTBalance.Dec(), state.ErrInsufficientBalance)
	}
	a.PTBalance = new(uint256.Int).Sub(a.PTBalance, amount)
	s.PTSupply = fpmath.SatSub(s.PTSupply, amount)
	s.TrackedValue = fpmath.SatSub(s.TrackedValue, amount)

	if err := tx.Pool.Withdraw(tx.State.Address, amount); err != nil {
		return fmt.Errorf("redeem: %w", err)
	}
	tx.move(tx.State.Address, recipient, amount, ledger.JournalTypeRedeemPayout, nil)

	tx.State = s
	tx.setAccount(caller, a)
	tx.Pool.Emit(&event.PTRedeemed{Caller: caller, Recipient: recipient, Amount: amount.Clone(), Early: early})
	return nil
}

// ClaimYield settles account and pays out its accrued yield. A claim with
// nothing owed only moves the watermark.
func (tx *Txn) ClaimYield(account common.Address) (*uint256.Int, error) {
	a, err := tx.settle(account)
	if err != nil {
		return nil, err
	}
	owed := a.AccruedYield.Clone()
	if !owed.IsZero() {
		if err := tx.Pool.Withdraw(tx.State.Address, owed); err != nil {
			return nil, fmt.Errorf("claim yield: %w", err)
		}
		tx.move(tx.State.Address, account, owed, ledger.JournalTypeYieldPayout, nil)
		a.AccruedYield = new(uint256.Int)
		tx.State.TrackedValue = fpmath.SatSub(tx.State.TrackedValue, owed)
		tx.Pool.Emit(&event.YieldClaimed{Account: account, Amount: owed.Clone(), YieldIndexE18: tx.State.YieldIndexE18.Clone()})
	}
	tx.setAccount(account, a)
	return owed, nil
}

// TransferClaim moves PT or YT from caller to `to`. YT transfers settle
// both sides first so yield stays with whoever held the YT while it accrued.
func (tx *Txn) TransferClaim(caller, to common.Address, kind string, amount *uint256.Int) error {
	if amount.IsZero() {
		return state.ErrZeroAmount
	}
	if kind != KindPT && kind != KindYT {
		return fmt.Errorf("%w: claim kind %q", state.ErrInvalidParameter, kind)
	}
	if caller == to {
		return fmt.Errorf("%w: transfer to self", state.ErrInvalidParameter)
	}

	from, err := tx.settle(caller)
	if err != nil {
		return err
	}
	dest, err := tx.settle(to)
	if err != nil {
		return err
	}

	src, dst := &from.PTBalance, &dest.PTBalance
	if kind == KindYT {
		src, dst = &from.YTBalance, &dest.YTBalance
	}
	if (*src).Lt(amount) {
		return fmt.Errorf("transfer %s %s, holds %s: %w", amount.Dec(), kind, (*src).Dec(), state.ErrInsufficientBalance)
	}
	*src = new(uint256.Int).Sub(*src, amount)
	if *dst, err = fpmath.Add(*dst, amount); err != nil {
		return fmt.Errorf("%w: transfer claim: %v", state.ErrArithmetic, err)
	}

	tx.setAccount(caller, from)
	tx.setAccount(to, dest)
	tx.Pool.Emit(&event.ClaimTransferred{Kind: kind, From: caller, To: to, Amount: amount.Clone()})
	return nil
}

// PreviewClaim is the yield account would receive from ClaimYield now.
// Call on a transaction that will be discarded.
func (tx *Txn) PreviewClaim(account common.Address) (*uint256.Int, error) {
	a, err := tx.settle(account)
	if err != nil {
		return nil, err
	}
	return a.AccruedYield.Clone(), nil
}

// Handles returns the PT and YT claim handles.
func (tx *Txn) Handles() (pt, yt ClaimHandle) {
	return ClaimHandle{Kind: KindPT, Issuer: tx.State.Address, TotalSupply: tx.State.PTSupply.Clone()},
		ClaimHandle{Kind: KindYT, Issuer: tx.State.Address, TotalSupply: tx.State.YTSupply.Clone()}
}
