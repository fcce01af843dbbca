package command_test

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/command"
)

func TestTypeNamesRoundTrip(t *testing.T) {
	for _, typ := range command.Types() {
		got, ok := command.ParseType(typ.String())
		if !ok {
			t.Fatalf("ParseType(%q) not found", typ.String())
		}
		if got != typ {
			t.Errorf("ParseType(%q): got %v, want %v", typ.String(), got, typ)
		}
	}
	if _, ok := command.ParseType("open_position"); ok {
		t.Error("expected unknown name to fail")
	}
}

func TestDecodeSetBpsKeepsType(t *testing.T) {
	cmd, err := command.Decode(command.TypeSetCloseFactorBps, []byte(`{"idempotency_key":"k1","value":4000}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Type() != command.TypeSetCloseFactorBps {
		t.Errorf("type: got %v, want set_close_factor_bps", cmd.Type())
	}
	if v := cmd.(*command.SetBps).Value; v != 4000 {
		t.Errorf("value: got %d, want 4000", v)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	_, err := command.Decode(command.TypeDeposit, []byte(`{"amount":"5"}`))
	if !errors.Is(err, command.ErrMissingIdempotencyKey) {
		t.Errorf("missing key: got %v", err)
	}

	_, err = command.Decode(command.TypeBorrow, []byte(`{"idempotency_key":"k"}`))
	if !errors.Is(err, command.ErrMissingAmount) {
		t.Errorf("missing amount: got %v", err)
	}

	_, err = command.Decode(command.TypeTransferClaim, []byte(`{"idempotency_key":"k","kind":"lp","amount":"1"}`))
	if err == nil {
		t.Error("expected bad claim kind to fail")
	}

	_, err = command.Decode(command.TypeUnknown, []byte(`{}`))
	if !errors.Is(err, command.ErrUnknownType) {
		t.Errorf("unknown type: got %v", err)
	}
}

func TestEncodeDecodeLiquidate(t *testing.T) {
	in := &command.Liquidate{
		Header: command.Header{
			IdempotencyKey: "liq-1",
			Caller:         common.HexToAddress("0x0000000000000000000000000000000000000022"),
			Timestamp:      1_700_000_000,
		},
		User:        common.HexToAddress("0x0000000000000000000000000000000000000011"),
		RepayAmount: uint256.NewInt(500),
	}
	data, err := command.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cmd, err := command.Decode(command.TypeLiquidate, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := cmd.(*command.Liquidate)
	if out.User != in.User || out.Caller != in.Caller || out.Timestamp != in.Timestamp {
		t.Errorf("header or user mismatch: got %+v", out)
	}
	if !out.RepayAmount.Eq(in.RepayAmount) {
		t.Errorf("repay: got %s, want 500", out.RepayAmount.Dec())
	}
}
