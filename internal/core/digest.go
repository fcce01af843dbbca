package core

import (
	"github.com/holiman/uint256"

	"yieldledger/internal/ledger"
	"yieldledger/internal/splitter"
	"yieldledger/internal/state"
)

// computeStateDigest creates canonical bytes for the state hash: the full
// pool and splitter singletons, then the positions, claim accounts and
// ledger balances the command touched, each in sorted order.
func (e *Engine) computeStateDigest(positions []state.PositionEntry, claims []splitter.AccountEntry, balances []ledger.BalanceEntry) []byte {
	digest := make([]byte, 0, 1024)

	p := e.pool
	digest = append(digest, p.Address.Bytes()...)
	for _, v := range []*uint256.Int{p.Cash, p.TotalShares, p.TotalDebtShares, p.TotalDebt, p.BorrowIndex, p.ReserveBalance} {
		digest = appendUint256(digest, v)
	}
	digest = appendInt64LE(digest, p.LastAccrual)
	for _, bps := range []uint64{p.Risk.LtvBps, p.Risk.CloseFactorBps, p.Risk.LiquidationBonusBps, p.Risk.ReserveFactorBps} {
		digest = appendInt64LE(digest, int64(bps))
	}
	for _, v := range []*uint256.Int{p.Rates.BaseRateE18, p.Rates.Slope1E18, p.Rates.KinkUtilE18, p.Rates.Slope2E18} {
		digest = appendUint256(digest, v)
	}
	digest = append(digest, p.Admin.Owner.Bytes()...)

	s := e.splitter
	digest = appendInt64LE(digest, s.Maturity)
	for _, v := range []*uint256.Int{s.PTSupply, s.YTSupply, s.YieldIndexE18, s.TrackedValue, s.Unallocated} {
		digest = appendUint256(digest, v)
	}
	digest = appendInt64LE(digest, s.LastYieldAccrual)

	for _, pe := range e.committedPositions(positions) {
		digest = append(digest, pe.Address.Bytes()...)
		digest = appendUint256(digest, pe.Position.Shares)
		digest = appendUint256(digest, pe.Position.DebtShares)
	}

	for _, ce := range e.committedClaims(claims) {
		a := ce.Account
		digest = append(digest, ce.Address.Bytes()...)
		for _, v := range []*uint256.Int{a.PTBalance, a.YTBalance, a.ClaimedYieldIndexE18, a.AccruedYield} {
			digest = appendUint256(digest, v)
		}
	}

	for _, b := range balances {
		path := b.Key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendUint256(digest, b.Amount)
	}

	return digest
}

// appendUint256 writes v as 32 big-endian bytes.
func appendUint256(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		v = new(uint256.Int)
	}
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
