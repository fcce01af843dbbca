package math_test

import (
	"testing"

	"github.com/holiman/uint256"

	fpmath "yieldledger/internal/math"
)

func e16(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), uint256.NewInt(10_000_000_000_000_000))
}

// ============================================================================
// Borrow APR curve
// ============================================================================

func TestBorrowApr_DefaultCurve(t *testing.T) {
	m := fpmath.DefaultRateModel()

	tests := []struct {
		name string
		util *uint256.Int
		want *uint256.Int
	}{
		{"idle", uint256.NewInt(0), e16(2)},
		{"half", e16(50), new(uint256.Int).Add(e16(2), uint256.NewInt(75_000_000_000_000_000))}, // 2% + 7.5%
		{"kink", e16(80), e16(14)},
		{"full", e16(100), e16(26)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.BorrowApr(tt.util)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Eq(tt.want) {
				t.Errorf("got %s, want %s", got.Dec(), tt.want.Dec())
			}
		})
	}
}

func TestBorrowApr_Monotonic(t *testing.T) {
	m := fpmath.DefaultRateModel()
	step := e16(1)
	// finer steps around the kink
	steps := []*uint256.Int{}
	for u := uint256.NewInt(0); u.Cmp(fpmath.WAD) <= 0; u = new(uint256.Int).Add(u, step) {
		steps = append(steps, u)
	}
	kink := m.KinkUtilE18
	for _, off := range []uint64{1, 2, 1_000} {
		steps = append(steps, new(uint256.Int).Sub(kink, uint256.NewInt(off)), new(uint256.Int).Add(kink, uint256.NewInt(off)))
	}

	for i := range steps {
		for j := range steps {
			if steps[i].Cmp(steps[j]) > 0 {
				continue
			}
			a, _ := m.BorrowApr(steps[i])
			b, _ := m.BorrowApr(steps[j])
			if a.Gt(b) {
				t.Fatalf("apr(%s)=%s > apr(%s)=%s", steps[i].Dec(), a.Dec(), steps[j].Dec(), b.Dec())
			}
		}
	}
}

func TestFlatModel(t *testing.T) {
	m := fpmath.Flat(e16(200))
	for _, u := range []*uint256.Int{uint256.NewInt(0), e16(50), e16(100)} {
		got, err := m.BorrowApr(u)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Eq(e16(200)) {
			t.Errorf("util %s: got %s, want 2e18", u.Dec(), got.Dec())
		}
	}
}

func TestValidate_RejectsKinkAboveOne(t *testing.T) {
	m := fpmath.DefaultRateModel()
	m.KinkUtilE18 = e16(101)
	if err := m.Validate(); err == nil {
		t.Error("expected error for kink > 1e18")
	}
	if err := fpmath.DefaultRateModel().Validate(); err != nil {
		t.Errorf("default model invalid: %v", err)
	}
}

// ============================================================================
// Utilization and supply APR
// ============================================================================

func TestUtilization(t *testing.T) {
	if got := fpmath.Utilization(uint256.NewInt(5), uint256.NewInt(0)); !got.IsZero() {
		t.Errorf("no assets: got %s, want 0", got.Dec())
	}
	if got := fpmath.Utilization(uint256.NewInt(500), uint256.NewInt(1000)); !got.Eq(e16(50)) {
		t.Errorf("half: got %s", got.Dec())
	}
	if got := fpmath.Utilization(uint256.NewInt(2000), uint256.NewInt(1000)); !got.Eq(fpmath.WAD) {
		t.Errorf("capped: got %s", got.Dec())
	}
}

func TestSupplyApr(t *testing.T) {
	borrow := e16(10)
	util := e16(50)
	got, err := fpmath.SupplyApr(borrow, util, 1_000)
	if err != nil {
		t.Fatal(err)
	}
	// 10% * 50% * 90% = 4.5%
	want := uint256.NewInt(45_000_000_000_000_000)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}

	if _, err := fpmath.SupplyApr(borrow, util, 10_001); err == nil {
		t.Error("expected error for reserve factor > 10000")
	}
}
