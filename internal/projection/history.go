package projection

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"yieldledger/internal/event"
)

// LiquidationEntry is one row of projections.liquidation_history.
type LiquidationEntry struct {
	Sequence         int64
	Liquidator       string
	User             string
	AssetsPaid       string
	DebtSharesBurned string
	CollateralSeized string
	SharesSeized     string
	BorrowIndexE18   string
	CommandTime      int64
}

// YieldEntry is one row of projections.yield_history.
type YieldEntry struct {
	Sequence      int64
	Account       string
	Amount        string
	YieldIndexE18 string
	CommandTime   int64
}

// HistoryEntries extracts the history rows an envelope's records produce.
func HistoryEntries(env *event.EventEnvelope) ([]LiquidationEntry, []YieldEntry) {
	var (
		liqs   []LiquidationEntry
		yields []YieldEntry
	)
	for _, r := range env.Records {
		switch rec := r.(type) {
		case *event.Liquidated:
			liqs = append(liqs, LiquidationEntry{
				Sequence:         env.Sequence,
				Liquidator:       addr(rec.Liquidator),
				User:             addr(rec.User),
				AssetsPaid:       decOrZero(rec.AssetsPaid),
				DebtSharesBurned: decOrZero(rec.DebtSharesBurned),
				CollateralSeized: decOrZero(rec.CollateralSeized),
				SharesSeized:     decOrZero(rec.SharesSeized),
				BorrowIndexE18:   decOrZero(rec.BorrowIndexE18),
				CommandTime:      env.Timestamp,
			})
		case *event.YieldClaimed:
			yields = append(yields, YieldEntry{
				Sequence:      env.Sequence,
				Account:       addr(rec.Account),
				Amount:        decOrZero(rec.Amount),
				YieldIndexE18: decOrZero(rec.YieldIndexE18),
				CommandTime:   env.Timestamp,
			})
		}
	}
	return liqs, yields
}

func recordHistory(ctx context.Context, ex execer, env *event.EventEnvelope) error {
	liqs, yields := HistoryEntries(env)
	for _, l := range liqs {
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO projections.liquidation_history
				(sequence, liquidator, user_address, assets_paid, debt_shares_burned,
				 collateral_seized, shares_seized, borrow_index, command_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (sequence, user_address) DO NOTHING
		`, l.Sequence, l.Liquidator, l.User, l.AssetsPaid, l.DebtSharesBurned,
			l.CollateralSeized, l.SharesSeized, l.BorrowIndexE18, l.CommandTime); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
	}
	for _, y := range yields {
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO projections.yield_history (sequence, account, amount, yield_index, command_time)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (sequence, account) DO NOTHING
		`, y.Sequence, y.Account, y.Amount, y.YieldIndexE18, y.CommandTime); err != nil {
			return fmt.Errorf("yield history: %w", err)
		}
	}
	return nil
}

// rebuildHistory re-derives both history tables from the logged records.
func rebuildHistory(ctx context.Context, ex execer) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, liquidator, user_address, assets_paid, debt_shares_burned,
			 collateral_seized, shares_seized, borrow_index, command_time)
		SELECT e.sequence,
		       lower(r->'data'->>'liquidator'),
		       lower(r->'data'->>'user'),
		       (r->'data'->>'assets_paid')::numeric,
		       (r->'data'->>'debt_shares_burned')::numeric,
		       (r->'data'->>'collateral_seized')::numeric,
		       (r->'data'->>'shares_seized')::numeric,
		       (r->'data'->>'borrow_index_e18')::numeric,
		       extract(epoch FROM e.command_time)::bigint
		FROM event_log.events e, jsonb_array_elements(e.records) r
		WHERE r->>'type' = 'liquidated'
		ON CONFLICT DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild liquidation history: %w", err)
	}
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.yield_history (sequence, account, amount, yield_index, command_time)
		SELECT e.sequence,
		       lower(r->'data'->>'account'),
		       (r->'data'->>'amount')::numeric,
		       (r->'data'->>'yield_index_e18')::numeric,
		       extract(epoch FROM e.command_time)::bigint
		FROM event_log.events e, jsonb_array_elements(e.records) r
		WHERE r->>'type' = 'yield_claimed'
		ON CONFLICT DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild yield history: %w", err)
	}
	return nil
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
