package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"yieldledger/internal/command"
	"yieldledger/internal/core"
	"yieldledger/internal/ingestion"
	"yieldledger/internal/query"
	"yieldledger/internal/state"
)

var (
	poolAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	splitterAddr = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	owner        = common.HexToAddress("0x000000000000000000000000000000000000000f")
	alice        = common.HexToAddress("0x0000000000000000000000000000000000000011")
)

const genesis int64 = 1_700_000_000

func newTestService(t *testing.T) *Service {
	t.Helper()
	e, err := core.NewEngine(core.Config{
		PoolAddress:     poolAddr,
		SplitterAddress: splitterAddr,
		Owner:           owner,
		Maturity:        genesis + 86_400,
		GenesisTime:     genesis,
		LRUCapacity:     64,
	}, make(chan core.CoreOutput, 64), nil, nil, nil)
	require.NoError(t, err)

	logger := zerolog.Nop()
	return NewService(Deps{
		Dispatcher: ingestion.NewDispatcher(e, nil, logger),
		Query:      query.NewQueryService(nil, e, poolAddr),
		Logger:     logger,
		Clock:      func() time.Time { return time.Unix(genesis, 0) },
	})
}

func payload(caller common.Address, key string, fields string) json.RawMessage {
	if key == "" {
		key = uuid.NewString()
	}
	body := fmt.Sprintf(`{"idempotency_key":%q,"caller":%q`, key, caller.Hex())
	if fields != "" {
		body += "," + fields
	}
	return json.RawMessage(body + "}")
}

// supplyAndBorrow has alice supply 1000 and borrow 400, leaving 500 of
// allowance for repayment.
func supplyAndBorrow(t *testing.T, s *Service) {
	t.Helper()
	steps := []struct {
		typ    command.Type
		caller common.Address
		fields string
	}{
		{command.TypeMint, owner, fmt.Sprintf(`"to":%q,"amount":"1000"`, alice.Hex())},
		{command.TypeApprove, alice, fmt.Sprintf(`"spender":%q,"amount":"1500"`, poolAddr.Hex())},
		{command.TypeDeposit, alice, `"amount":"1000"`},
		{command.TypeBorrow, alice, `"amount":"400"`},
	}
	for _, st := range steps {
		_, err := s.Submit(context.Background(), st.typ, payload(st.caller, "", st.fields))
		require.NoError(t, err, "submit %s", st.typ)
	}
}

// ============================================================================
// Commands
// ============================================================================

func TestSubmit_ReturnsReceipt(t *testing.T) {
	s := newTestService(t)

	resp, err := s.Submit(context.Background(), command.TypeMint,
		payload(owner, "mint-1", fmt.Sprintf(`"to":%q,"amount":"750"`, alice.Hex())))
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Sequence)
	assert.False(t, resp.Duplicate)
	assert.Len(t, resp.StateHash, 66)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "minted", resp.Records[0].Type)
}

func TestSubmit_DuplicateKey(t *testing.T) {
	s := newTestService(t)
	body := payload(owner, "mint-dup", fmt.Sprintf(`"to":%q,"amount":"5"`, alice.Hex()))

	_, err := s.Submit(context.Background(), command.TypeMint, body)
	require.NoError(t, err)

	resp, err := s.Submit(context.Background(), command.TypeMint, body)
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Empty(t, resp.Records)
	assert.Empty(t, resp.StateHash)
}

func TestSubmit_ErrorCodes(t *testing.T) {
	s := newTestService(t)

	tests := []struct {
		name string
		typ  command.Type
		body json.RawMessage
		want codes.Code
	}{
		{"malformed payload", command.TypeDeposit, json.RawMessage(`{"idempotency_key":`), codes.InvalidArgument},
		{"mint by non-owner", command.TypeMint, payload(alice, "", fmt.Sprintf(`"to":%q,"amount":"1"`, alice.Hex())), codes.PermissionDenied},
		{"zero deposit", command.TypeDeposit, payload(alice, "", `"amount":"0"`), codes.InvalidArgument},
		{"borrow without collateral", command.TypeBorrow, payload(alice, "", `"amount":"10"`), codes.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(context.Background(), tt.typ, tt.body)
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

// ============================================================================
// Views
// ============================================================================

func TestGetAccount_DefaultsToClock(t *testing.T) {
	s := newTestService(t)
	supplyAndBorrow(t, s)

	acct, err := s.GetAccount(context.Background(), &AccountRequest{Address: alice.Hex()})
	require.NoError(t, err)
	assert.Equal(t, "400", acct.Debt)
	assert.Equal(t, "1000", acct.BalanceWithInterest)
	assert.Equal(t, int64(4), acct.AsOfSequence)
}

func TestGetAccount_InvalidAddress(t *testing.T) {
	s := newTestService(t)

	_, err := s.GetAccount(context.Background(), &AccountRequest{Address: "alice"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetPool(t *testing.T) {
	s := newTestService(t)
	supplyAndBorrow(t, s)

	p, err := s.GetPool(context.Background(), &AtRequest{Timestamp: genesis})
	require.NoError(t, err)
	assert.Equal(t, "600", p.Cash)
	assert.Equal(t, "40.00", p.Utilization)
}

func TestAdmin_Unconfigured(t *testing.T) {
	s := newTestService(t)

	_, err := s.TakeSnapshot(context.Background(), &Empty{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = s.RebuildProjections(context.Background(), &Empty{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestTakeSnapshot(t *testing.T) {
	s := newTestService(t)
	s.deps.Snapshot = func(context.Context) (int64, error) { return 42, nil }

	resp, err := s.TakeSnapshot(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), resp.Sequence)
}

// ============================================================================
// Status mapping
// ============================================================================

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("%w: not owner", state.ErrUnauthorized), codes.PermissionDenied},
		{state.ErrInvalidParameter, codes.InvalidArgument},
		{state.ErrInsufficientLiquidity, codes.FailedPrecondition},
		{state.ErrPositionHealthy, codes.FailedPrecondition},
		{state.ErrArithmetic, codes.OutOfRange},
		{assert.AnError, codes.Internal},
		{status.Error(codes.NotFound, "gone"), codes.NotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(toStatus(tt.err)), "%v", tt.err)
	}
	assert.NoError(t, toStatus(nil))

	st, _ := status.FromError(toStatus(state.ErrExceedsBorrowLimit))
	assert.Contains(t, st.Message(), "exceeds_borrow_limit")
}

func TestCommandMethod(t *testing.T) {
	assert.Equal(t, "Deposit", CommandMethod(command.TypeDeposit))
	assert.Equal(t, "RepayAll", CommandMethod(command.TypeRepayAll))
	assert.Equal(t, "SetLiquidationBonusBps", CommandMethod(command.TypeSetLiquidationBonusBps))

	seen := make(map[string]bool)
	for _, m := range ServiceDesc.Methods {
		assert.False(t, seen[m.MethodName], "duplicate method %s", m.MethodName)
		seen[m.MethodName] = true
	}
	assert.Len(t, ServiceDesc.Methods, len(command.Types())+11)
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "GetPool", methodName("/yieldledger.v1.Ledger/GetPool"))
	assert.Equal(t, "bare", methodName("bare"))
}
