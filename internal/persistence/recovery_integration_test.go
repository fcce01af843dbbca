package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldledger/internal/command"
	"yieldledger/internal/core"
	"yieldledger/internal/ledger"
	"yieldledger/internal/persistence"
	"yieldledger/internal/projection"
	"yieldledger/internal/query"
	"yieldledger/internal/testutil"
)

var (
	poolAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	splitterAddr = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	owner        = common.HexToAddress("0x000000000000000000000000000000000000000f")
	alice        = common.HexToAddress("0x0000000000000000000000000000000000000011")
)

const genesis int64 = 1_700_000_000

func engineConfig() core.Config {
	return core.Config{
		PoolAddress:     poolAddr,
		SplitterAddress: splitterAddr,
		Owner:           owner,
		Maturity:        genesis + 86_400,
		GenesisTime:     genesis,
		LRUCapacity:     64,
	}
}

func hdr(caller common.Address, ts int64) command.Header {
	return command.Header{IdempotencyKey: uuid.NewString(), Caller: caller, Timestamp: ts}
}

func waitDurable(t *testing.T, mgr *persistence.SnapshotManager, seq int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		latest, err := mgr.GetLatestSequence(context.Background())
		return err == nil && latest >= seq
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRecovery_SnapshotPlusReplay(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zerolog.Nop()

	persistChan := make(chan core.CoreOutput, 64)
	projectionChan := make(chan core.CoreOutput, 64)
	checker := persistence.NewPostgresIdempotencyChecker(db)
	engine, err := core.NewEngine(engineConfig(), persistChan, projectionChan, checker, nil)
	require.NoError(t, err)

	go persistence.NewPersistenceWorker(db, persistChan, 1, 5*time.Millisecond, nil, logger).Run(ctx)
	go projection.NewProjectionWorker(db, projectionChan, nil, logger).Run(ctx)

	mint := &command.Mint{Header: hdr(owner, genesis), To: alice, Amount: uint256.NewInt(1000)}
	for _, cmd := range []command.Command{
		mint,
		&command.Approve{Header: hdr(alice, genesis), Spender: poolAddr, Amount: ledger.MaxAllowance},
		&command.Deposit{Header: hdr(alice, genesis), Amount: uint256.NewInt(1000)},
		&command.Borrow{Header: hdr(alice, genesis), Amount: uint256.NewInt(400)},
	} {
		_, err := engine.Submit(cmd)
		require.NoError(t, err, "submit %s", cmd.Type())
	}

	mgr := persistence.NewSnapshotManager(db)
	waitDurable(t, mgr, 4)

	snap := engine.CreateSnapshotState()
	_, err = mgr.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	require.NoError(t, mgr.MarkVerified(ctx, snap.Sequence))

	// One event past the snapshot, a year later so interest accrues.
	_, err = engine.Submit(&command.Repay{Header: hdr(alice, genesis+365*86_400), Amount: uint256.NewInt(100)})
	require.NoError(t, err)
	waitDurable(t, mgr, 5)

	// --- Restart ---
	restored, err := core.NewEngine(engineConfig(), nil, nil, checker, nil)
	require.NoError(t, err)
	replayed, err := mgr.Recover(ctx, restored, 2, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	assert.Equal(t, engine.GetSequence(), restored.GetSequence())
	assert.Equal(t, engine.GetStateHash(), restored.GetStateHash())

	// Keys logged before the restart stay duplicates.
	receipt, err := restored.Submit(mint)
	require.NoError(t, err)
	assert.True(t, receipt.Duplicate)

	keys, err := checker.RecentKeys(ctx, 10)
	require.NoError(t, err)
	require.Len(t, keys, 5)
	assert.Equal(t, core.CompositeKey("mint", mint.IdempotencyKey), keys[0])

	// --- Projections and the query side ---
	qs := query.NewQueryService(db, restored, poolAddr)
	require.Eventually(t, func() bool {
		report, err := qs.VerifyIntegrity(ctx)
		return err == nil && report.AsOfSequence == 5
	}, 5*time.Second, 20*time.Millisecond)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)

	events, err := qs.GetEvents(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "borrow", events[0].CommandType)
	assert.Equal(t, "repay", events[1].CommandType)

	journals, err := qs.GetJournalHistory(ctx, alice, 10, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, journals)

	require.NoError(t, projection.RebuildProjections(ctx, db, logger))
	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.LedgerImbalance)
}

func TestProjection_YieldHistory(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zerolog.Nop()

	persistChan := make(chan core.CoreOutput, 64)
	projectionChan := make(chan core.CoreOutput, 64)
	engine, err := core.NewEngine(engineConfig(), persistChan, projectionChan, nil, nil)
	require.NoError(t, err)

	go persistence.NewPersistenceWorker(db, persistChan, 1, 5*time.Millisecond, nil, logger).Run(ctx)
	go projection.NewProjectionWorker(db, projectionChan, nil, logger).Run(ctx)

	bob := common.HexToAddress("0x0000000000000000000000000000000000000022")
	for _, cmd := range []command.Command{
		&command.Mint{Header: hdr(owner, genesis), To: alice, Amount: uint256.NewInt(1000)},
		&command.Mint{Header: hdr(owner, genesis), To: bob, Amount: uint256.NewInt(2000)},
		&command.Approve{Header: hdr(alice, genesis), Spender: splitterAddr, Amount: ledger.MaxAllowance},
		&command.Approve{Header: hdr(bob, genesis), Spender: poolAddr, Amount: ledger.MaxAllowance},
		&command.Deposit{Header: hdr(bob, genesis), Amount: uint256.NewInt(2000)},
		&command.Borrow{Header: hdr(bob, genesis), Amount: uint256.NewInt(900)},
		&command.Split{Header: hdr(alice, genesis), Amount: uint256.NewInt(1000)},
	} {
		_, err := engine.Submit(cmd)
		require.NoError(t, err, "submit %s", cmd.Type())
	}

	receipt, err := engine.Submit(&command.ClaimYield{Header: hdr(alice, genesis+365*86_400)})
	require.NoError(t, err)
	require.NotNil(t, receipt.Value)
	require.False(t, receipt.Value.IsZero())

	qs := query.NewQueryService(db, engine, poolAddr)
	var claims []query.YieldResponse
	require.Eventually(t, func() bool {
		claims, err = qs.GetYieldHistory(ctx, alice, 10, nil)
		return err == nil && len(claims) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, receipt.Sequence, claims[0].Sequence)
	assert.Equal(t, receipt.Value.Dec(), claims[0].Amount)
	assert.Equal(t, genesis+365*86_400, claims[0].Timestamp)

	none, err := qs.GetYieldHistory(ctx, bob, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}
