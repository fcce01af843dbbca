package ledger_test

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/ledger"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	pool  = common.HexToAddress("0x000000000000000000000000000000000000b001")
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func mint(t *testing.T, bt *ledger.BalanceTracker, to common.Address, v uint64) {
	t.Helper()
	gen := ledger.NewJournalGenerator(bt)
	batch := gen.Generate("mint", 1, 0, []ledger.Transfer{{
		From:   ledger.ExternalAccount,
		To:     bt.KeyFor(to),
		Amount: amt(v),
		Type:   ledger.JournalTypeMint,
	}})
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey(alice)
	if got := key.AccountPath(); got != "user:0x00000000000000000000000000000000000a11ce" {
		t.Errorf("got %q", got)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.RegisterSystem(pool)
	if got := bt.KeyFor(pool).AccountPath(); got != "system:0x000000000000000000000000000000000000b001" {
		t.Errorf("got %q", got)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	if got := ledger.ExternalAccount.AccountPath(); got != "external:boundary" {
		t.Errorf("got %q, want %q", got, "external:boundary")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.BalanceOf(alice).IsZero() {
		t.Errorf("initial balance should be 0, got %s", bt.BalanceOf(alice).Dec())
	}
}

func TestBalanceTracker_MintIsZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	mint(t, bt, alice, 1000)
	mint(t, bt, bob, 500)

	if got := bt.BalanceOf(alice).Uint64(); got != 1000 {
		t.Errorf("alice: got %d, want 1000", got)
	}
	if got := bt.Issued().Uint64(); got != 1500 {
		t.Errorf("issued: got %d, want 1500", got)
	}
	if err := ledger.NewInvariantValidator(bt).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
}

func TestBalanceTracker_Transfer(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	mint(t, bt, alice, 100)

	if err := bt.Transfer(alice, bob, amt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := bt.BalanceOf(alice).Uint64(); got != 60 {
		t.Errorf("alice: got %d, want 60", got)
	}
	if got := bt.BalanceOf(bob).Uint64(); got != 40 {
		t.Errorf("bob: got %d, want 40", got)
	}
}

func TestBalanceTracker_TransferInsufficient_NoChange(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	mint(t, bt, alice, 10)

	err := bt.Transfer(alice, bob, amt(11))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := bt.BalanceOf(alice).Uint64(); got != 10 {
		t.Errorf("alice changed: got %d, want 10", got)
	}
	if !bt.BalanceOf(bob).IsZero() {
		t.Error("bob should be unchanged")
	}
}

func TestBalanceTracker_TransferFromConsumesAllowance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	mint(t, bt, alice, 100)
	bt.Approve(alice, pool, amt(50))

	if err := bt.TransferFrom(pool, alice, pool, amt(30)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := bt.Allowance(alice, pool).Uint64(); got != 20 {
		t.Errorf("allowance: got %d, want 20", got)
	}

	err := bt.TransferFrom(pool, alice, pool, amt(21))
	if !errors.Is(err, ledger.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if got := bt.BalanceOf(alice).Uint64(); got != 70 {
		t.Errorf("alice: got %d, want 70", got)
	}
}

func TestBalanceTracker_MaxAllowanceNotDecremented(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	mint(t, bt, alice, 100)
	bt.Approve(alice, pool, ledger.MaxAllowance)

	if err := bt.TransferFrom(pool, alice, bob, amt(100)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if !bt.Allowance(alice, pool).Eq(ledger.MaxAllowance) {
		t.Error("max allowance should not be decremented")
	}
}

func TestBalanceTracker_ApplyBatch_AllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	mint(t, bt, alice, 100)
	gen := ledger.NewJournalGenerator(bt)

	// second leg fails: bob has nothing yet apart from the first leg
	batch := gen.Generate("cmd-1", 2, 0, []ledger.Transfer{
		{From: bt.KeyFor(alice), To: bt.KeyFor(bob), Amount: amt(50)},
		{From: bt.KeyFor(bob), To: bt.KeyFor(pool), Amount: amt(60)},
	})
	if err := bt.ApplyBatch(batch); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := bt.BalanceOf(alice).Uint64(); got != 100 {
		t.Errorf("alice: got %d, want 100", got)
	}

	// legs are evaluated in order, so a chained batch succeeds
	batch = gen.Generate("cmd-2", 3, 0, []ledger.Transfer{
		{From: bt.KeyFor(alice), To: bt.KeyFor(bob), Amount: amt(50)},
		{From: bt.KeyFor(bob), To: bt.KeyFor(pool), Amount: amt(50)},
	})
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("chained batch: %v", err)
	}
	if got := bt.BalanceOf(pool).Uint64(); got != 50 {
		t.Errorf("pool: got %d, want 50", got)
	}
	if !bt.BalanceOf(bob).IsZero() {
		t.Errorf("bob: got %s, want 0", bt.BalanceOf(bob).Dec())
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.RegisterSystem(pool)
	mint(t, bt, alice, 100)
	bt.Approve(alice, pool, amt(7))

	snap := bt.Snapshot()
	restored := ledger.NewBalanceTracker()
	restored.Restore(snap)

	if got := restored.BalanceOf(alice).Uint64(); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
	if got := restored.Allowance(alice, pool).Uint64(); got != 7 {
		t.Errorf("allowance: got %d, want 7", got)
	}
	if restored.KeyFor(pool).Scope != ledger.AccountScopeSystem {
		t.Error("system registration lost")
	}

	// snapshot is a deep copy
	mint(t, bt, alice, 1)
	if got := snap.Balances[alice].Uint64(); got != 100 {
		t.Errorf("snapshot mutated: got %d", got)
	}
}

func TestBalanceTracker_EntriesSorted(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	mint(t, bt, bob, 1)
	mint(t, bt, alice, 2)

	entries := bt.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Key.AccountPath() > entries[1].Key.AccountPath() {
		t.Error("entries not sorted by path")
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batch := ledger.NewJournalGenerator(bt).Generate("z", 1, 0, []ledger.Transfer{
		{From: bt.KeyFor(alice), To: bt.KeyFor(bob), Amount: amt(0)},
	})
	if err := batch.Validate(); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batch := ledger.NewJournalGenerator(bt).Generate("s", 1, 0, []ledger.Transfer{
		{From: bt.KeyFor(alice), To: bt.KeyFor(alice), Amount: amt(1)},
	})
	if err := batch.Validate(); err == nil {
		t.Error("expected error for self transfer")
	}
}

func TestGenerate_DeterministicIDs(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	transfers := []ledger.Transfer{{From: bt.KeyFor(alice), To: bt.KeyFor(bob), Amount: amt(1)}}

	a := gen.Generate("k", 9, 0, transfers)
	b := gen.Generate("k", 9, 0, transfers)
	if a.BatchID != b.BatchID || a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("IDs should be deterministic for the same command and sequence")
	}
	if gen.Generate("k", 9, 0, nil) != nil {
		t.Error("empty transfer list should produce no batch")
	}
}
