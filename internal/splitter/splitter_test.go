package splitter_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldledger/internal/event"
	"yieldledger/internal/ledger"
	"yieldledger/internal/splitter"
	"yieldledger/internal/state"
)

var (
	poolAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	splitterAddr = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	owner        = common.HexToAddress("0x000000000000000000000000000000000000000f")
	alice        = common.HexToAddress("0x0000000000000000000000000000000000000011")
	bob          = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

const (
	t0       int64 = 1_000_000
	maturity int64 = t0 + 1_000
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// fixture opens a splitter transaction at now where the splitter owns all
// 1000 pool shares, last tracked at 1000, and the pool has grown to `cash`.
func fixture(t *testing.T, cash uint64, ytSupply uint64, book *splitter.Book, now int64) *splitter.Txn {
	t.Helper()
	p := state.NewPool(poolAddr, owner, now)
	p.Cash = u(cash)
	p.TotalShares = u(1000)
	pm := state.NewPositionManager()
	pm.Set(splitterAddr, state.Position{Shares: u(1000)})

	ptx, err := state.Begin(p, pm, now)
	require.NoError(t, err)

	s := splitter.NewState(splitterAddr, maturity)
	s.TrackedValue = u(1000)
	s.PTSupply = u(1000)
	s.YTSupply = u(ytSupply)

	stx, err := splitter.Begin(ptx, s, book)
	require.NoError(t, err)
	return stx
}

func holderBook(addr common.Address, pt, yt uint64) *splitter.Book {
	b := splitter.NewBook()
	b.Apply([]splitter.AccountEntry{{Address: addr, Account: splitter.Account{PTBalance: u(pt), YTBalance: u(yt)}}})
	return b
}

// ============================================================================
// Yield accrual
// ============================================================================

func TestAccrue_GrowthWithoutYTIsUnallocated(t *testing.T) {
	stx := fixture(t, 1100, 0, splitter.NewBook(), t0)
	// price 1.1: two payouts of ceil(1.1) held back
	assert.Equal(t, "96", stx.State.Unallocated.Dec())
	assert.True(t, stx.State.YieldIndexE18.IsZero())
	assert.Equal(t, "1096", stx.State.TrackedValue.Dec())
	assert.Equal(t, t0, stx.State.LastYieldAccrual)
}

func TestAccrue_GrowthRaisesIndex(t *testing.T) {
	stx := fixture(t, 1200, 1000, holderBook(alice, 1000, 1000), t0)
	// (200 - 4 reserve) * 1e18 / 1000
	assert.Equal(t, "196000000000000000", stx.State.YieldIndexE18.Dec())
	assert.Equal(t, "1196", stx.State.TrackedValue.Dec())

	owed, err := stx.PreviewClaim(alice)
	require.NoError(t, err)
	assert.Equal(t, "196", owed.Dec())

	owed, err = stx.PreviewClaim(bob)
	require.NoError(t, err)
	assert.True(t, owed.IsZero())
}

func TestAccrue_ReserveScalesWithHolders(t *testing.T) {
	b := holderBook(alice, 500, 500)
	b.Apply([]splitter.AccountEntry{{Address: bob, Account: splitter.Account{PTBalance: u(500), YTBalance: u(500)}}})
	stx := fixture(t, 1200, 1000, b, t0)
	// two holders, four payouts of ceil(1.2)
	assert.Equal(t, "1192", stx.State.TrackedValue.Dec())
	assert.Equal(t, "192000000000000000", stx.State.YieldIndexE18.Dec())
}

func TestAccrue_ShortfallIsNotYield(t *testing.T) {
	stx := fixture(t, 999, 1000, holderBook(alice, 1000, 1000), t0)
	assert.True(t, stx.State.YieldIndexE18.IsZero())
	assert.Equal(t, "1000", stx.State.TrackedValue.Dec())
	assert.Equal(t, t0, stx.State.LastYieldAccrual)

	// growth first refills the shortfall and the reserve
	stx = fixture(t, 1002, 1000, holderBook(alice, 1000, 1000), t0)
	assert.True(t, stx.State.YieldIndexE18.IsZero())
	assert.Equal(t, "1000", stx.State.TrackedValue.Dec())
}

// ============================================================================
// Claims
// ============================================================================

func TestClaimYield_PaysAndReducesTracked(t *testing.T) {
	stx := fixture(t, 1200, 1000, holderBook(alice, 1000, 1000), t0)

	paid, err := stx.ClaimYield(alice)
	require.NoError(t, err)
	assert.Equal(t, "196", paid.Dec())
	assert.Equal(t, "1000", stx.State.TrackedValue.Dec())

	touched := stx.Touched()
	require.Len(t, touched, 1)
	assert.True(t, touched[0].Account.AccruedYield.IsZero())

	last := stx.Pool.Transfers[len(stx.Pool.Transfers)-1]
	assert.Equal(t, ledger.JournalTypeYieldPayout, last.Type)
	assert.Equal(t, ledger.NewUserAccountKey(alice), last.To)
}

func TestClaimYield_NothingOwedMovesWatermark(t *testing.T) {
	stx := fixture(t, 1000, 1000, holderBook(alice, 1000, 1000), t0)
	paid, err := stx.ClaimYield(alice)
	require.NoError(t, err)
	assert.True(t, paid.IsZero())
	assert.Empty(t, stx.Pool.Transfers)
	assert.Empty(t, stx.Pool.Records)
}

func TestTransferClaim_YTSettlesBothSides(t *testing.T) {
	stx := fixture(t, 1200, 1000, holderBook(alice, 1000, 1000), t0)
	require.NoError(t, stx.TransferClaim(alice, bob, splitter.KindYT, u(500)))

	a := stx.Account(alice)
	b := stx.Account(bob)
	assert.Equal(t, "196", a.AccruedYield.Dec())
	assert.Equal(t, "500", a.YTBalance.Dec())
	assert.Equal(t, "500", b.YTBalance.Dec())
	assert.True(t, b.AccruedYield.IsZero())
	assert.Equal(t, stx.State.YieldIndexE18.Dec(), b.ClaimedYieldIndexE18.Dec())

	rec := stx.Pool.Records[len(stx.Pool.Records)-1].(*event.ClaimTransferred)
	assert.Equal(t, splitter.KindYT, rec.Kind)
}

func TestTransferClaim_Validation(t *testing.T) {
	stx := fixture(t, 1000, 1000, holderBook(alice, 1000, 1000), t0)
	assert.ErrorIs(t, stx.TransferClaim(alice, bob, "lp", u(1)), state.ErrInvalidParameter)
	assert.ErrorIs(t, stx.TransferClaim(alice, alice, splitter.KindPT, u(1)), state.ErrInvalidParameter)
	assert.ErrorIs(t, stx.TransferClaim(alice, bob, splitter.KindPT, u(0)), state.ErrZeroAmount)
	assert.ErrorIs(t, stx.TransferClaim(bob, alice, splitter.KindPT, u(1)), state.ErrInsufficientBalance)
}

// ============================================================================
// Redemption
// ============================================================================

func TestRedeemPT_EarlyBurnsYT(t *testing.T) {
	stx := fixture(t, 1000, 1000, holderBook(alice, 1000, 1000), t0)
	require.NoError(t, stx.RedeemPT(alice, alice, u(400)))

	a := stx.Account(alice)
	assert.Equal(t, "600", a.PTBalance.Dec())
	assert.Equal(t, "600", a.YTBalance.Dec())
	assert.Equal(t, "600", stx.State.PTSupply.Dec())
	assert.Equal(t, "600", stx.State.YTSupply.Dec())

	rec := stx.Pool.Records[len(stx.Pool.Records)-1].(*event.PTRedeemed)
	assert.True(t, rec.Early)
}

func TestSplitAndRedeem_MoveTrackedByPrincipal(t *testing.T) {
	stx := fixture(t, 1000, 1000, holderBook(alice, 1000, 1000), t0)
	require.NoError(t, stx.Split(bob, bob, u(300)))
	assert.Equal(t, "1300", stx.State.TrackedValue.Dec())

	require.NoError(t, stx.RedeemPT(bob, bob, u(100)))
	assert.Equal(t, "1200", stx.State.TrackedValue.Dec())
	assert.Equal(t, "1200", stx.State.PTSupply.Dec())
}

func TestRedeemPT_EarlyWithoutYT(t *testing.T) {
	stx := fixture(t, 1000, 1000, holderBook(alice, 1000, 100), t0)
	err := stx.RedeemPT(alice, alice, u(400))
	assert.ErrorIs(t, err, state.ErrInsufficientYTForEarlyRedeem)
}

func TestRedeemPT_AfterMaturityKeepsYT(t *testing.T) {
	stx := fixture(t, 1000, 1000, holderBook(alice, 1000, 0), maturity)
	require.NoError(t, stx.RedeemPT(alice, bob, u(1000)))

	a := stx.Account(alice)
	assert.True(t, a.PTBalance.IsZero())
	assert.Equal(t, "1000", stx.State.YTSupply.Dec())
	assert.True(t, stx.State.PTSupply.IsZero())

	last := stx.Pool.Transfers[len(stx.Pool.Transfers)-1]
	assert.Equal(t, ledger.JournalTypeRedeemPayout, last.Type)
	assert.Equal(t, ledger.NewUserAccountKey(bob), last.To)
}

// ============================================================================
// Book
// ============================================================================

func TestBook_DropsEmptyAccounts(t *testing.T) {
	b := holderBook(alice, 10, 10)
	require.Len(t, b.All(), 1)

	b.Apply([]splitter.AccountEntry{{Address: alice, Account: splitter.Account{}}})
	assert.Empty(t, b.All())
	assert.True(t, b.Account(alice).PTBalance.IsZero())
}

func TestHandles(t *testing.T) {
	stx := fixture(t, 1000, 1000, splitter.NewBook(), t0)
	pt, yt := stx.Handles()
	assert.Equal(t, splitter.KindPT, pt.Kind)
	assert.Equal(t, splitterAddr, yt.Issuer)
	assert.Equal(t, "1000", yt.TotalSupply.Dec())
}
