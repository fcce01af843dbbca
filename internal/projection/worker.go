package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"yieldledger/internal/core"
	"yieldledger/internal/ledger"
	"yieldledger/internal/observability"
	"yieldledger/internal/splitter"
	"yieldledger/internal/state"
)

const workerID = "main"

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProjectionWorker keeps the read-side tables in step with the engine. The
// engine feeds it through a non-blocking channel, so it may miss outputs
// under load; every table it writes is either absolute state or keyed by
// sequence, and can be rebuilt from the event log and a snapshot.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}
			seq := out.Envelope.Sequence
			if pw.lastSeq != 0 && seq != pw.lastSeq+1 {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).Msg("projection gap, outputs were dropped")
			}
			start := time.Now()
			if err := pw.processOutput(ctx, out); err != nil {
				// Projections are eventually consistent and rebuildable.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			} else if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(workerID).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, out core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Envelope.Sequence
	if err := upsertPool(ctx, tx, out.Pool, seq); err != nil {
		return fmt.Errorf("pool projection: %w", err)
	}
	if err := upsertSplitter(ctx, tx, out.Splitter, seq); err != nil {
		return fmt.Errorf("splitter projection: %w", err)
	}
	for _, p := range out.Positions {
		if err := upsertPosition(ctx, tx, p, seq); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	for _, c := range out.Claims {
		if err := upsertClaim(ctx, tx, c, seq); err != nil {
			return fmt.Errorf("claim projection: %w", err)
		}
	}
	for _, b := range out.Balances {
		if err := upsertBalance(ctx, tx, b, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	if err := recordHistory(ctx, tx, out.Envelope); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncFromSnapshot overwrites every state table with the full engine state.
// Called at startup after recovery so projections that missed outputs
// converge.
func SyncFromSnapshot(ctx context.Context, db *sql.DB, snap *core.SnapshotState) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.claims`,
		`TRUNCATE projections.balances`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	seq := snap.Sequence
	if err := upsertPool(ctx, tx, snap.Pool, seq); err != nil {
		return err
	}
	if err := upsertSplitter(ctx, tx, snap.Splitter, seq); err != nil {
		return err
	}
	for _, p := range snap.Positions {
		if err := upsertPosition(ctx, tx, p, seq); err != nil {
			return err
		}
	}
	for _, c := range snap.Claims {
		if err := upsertClaim(ctx, tx, c, seq); err != nil {
			return err
		}
	}
	for _, b := range snapshotBalances(snap.Ledger) {
		if err := upsertBalance(ctx, tx, b, seq); err != nil {
			return err
		}
	}
	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

// snapshotBalances lists ledger balances in projection form. The external
// boundary row carries the amount issued.
func snapshotBalances(s ledger.Snapshot) []ledger.BalanceEntry {
	systems := make(map[common.Address]bool, len(s.Systems))
	for _, a := range s.Systems {
		systems[a] = true
	}
	out := make([]ledger.BalanceEntry, 0, len(s.Balances)+1)
	for a, amt := range s.Balances {
		key := ledger.NewUserAccountKey(a)
		if systems[a] {
			key = ledger.NewSystemAccountKey(a)
		}
		out = append(out, ledger.BalanceEntry{Key: key, Amount: amt})
	}
	if s.Issued != nil {
		out = append(out, ledger.BalanceEntry{Key: ledger.ExternalAccount, Amount: s.Issued})
	}
	return out
}

func addr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func upsertPool(ctx context.Context, ex execer, p state.Pool, seq int64) error {
	risk, err := json.Marshal(p.Risk)
	if err != nil {
		return err
	}
	rates, err := json.Marshal(p.Rates)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO projections.pool_state
			(pool_address, cash, total_shares, total_debt_shares, total_debt, borrow_index,
			 reserve_balance, last_accrual, risk, rates, owner, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (pool_address) DO UPDATE SET
			cash = $2, total_shares = $3, total_debt_shares = $4, total_debt = $5, borrow_index = $6,
			reserve_balance = $7, last_accrual = $8, risk = $9, rates = $10, owner = $11,
			last_sequence = $12, updated_at = NOW()
	`, addr(p.Address), p.Cash.Dec(), p.TotalShares.Dec(), p.TotalDebtShares.Dec(), p.TotalDebt.Dec(),
		p.BorrowIndex.Dec(), p.ReserveBalance.Dec(), p.LastAccrual, risk, rates, addr(p.Admin.Owner), seq)
	return err
}

func upsertSplitter(ctx context.Context, ex execer, s splitter.State, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.splitter_state
			(splitter_address, maturity, pt_supply, yt_supply, yield_index, tracked_value,
			 unallocated, last_yield_accrual, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (splitter_address) DO UPDATE SET
			pt_supply = $3, yt_supply = $4, yield_index = $5, tracked_value = $6,
			unallocated = $7, last_yield_accrual = $8, last_sequence = $9, updated_at = NOW()
	`, addr(s.Address), s.Maturity, s.PTSupply.Dec(), s.YTSupply.Dec(), s.YieldIndexE18.Dec(),
		s.TrackedValue.Dec(), s.Unallocated.Dec(), s.LastYieldAccrual, seq)
	return err
}

func upsertPosition(ctx context.Context, ex execer, p state.PositionEntry, seq int64) error {
	if p.Position.IsFlat() {
		_, err := ex.ExecContext(ctx, `DELETE FROM projections.positions WHERE address = $1`, addr(p.Address))
		return err
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.positions (address, shares, debt_shares, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (address) DO UPDATE SET
			shares = $2, debt_shares = $3, last_sequence = $4, updated_at = NOW()
	`, addr(p.Address), p.Position.Shares.Dec(), p.Position.DebtShares.Dec(), seq)
	return err
}

func upsertClaim(ctx context.Context, ex execer, c splitter.AccountEntry, seq int64) error {
	a := c.Account
	if isZero(a.PTBalance) && isZero(a.YTBalance) && isZero(a.AccruedYield) {
		_, err := ex.ExecContext(ctx, `DELETE FROM projections.claims WHERE address = $1`, addr(c.Address))
		return err
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.claims
			(address, pt_balance, yt_balance, claimed_yield_index, accrued_yield, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (address) DO UPDATE SET
			pt_balance = $2, yt_balance = $3, claimed_yield_index = $4, accrued_yield = $5,
			last_sequence = $6, updated_at = NOW()
	`, addr(c.Address), decOrZero(a.PTBalance), decOrZero(a.YTBalance), decOrZero(a.ClaimedYieldIndexE18),
		decOrZero(a.AccruedYield), seq)
	return err
}

// upsertBalance stores the post-command balance; balances are absolute, so
// a dropped output is corrected by the account's next change.
func upsertBalance(ctx context.Context, ex execer, b ledger.BalanceEntry, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path) DO UPDATE SET balance = $2, last_sequence = $3
	`, b.Key.AccountPath(), decOrZero(b.Amount), seq)
	return err
}

func setWatermark(ctx context.Context, ex execer, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq)
	if err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections rebuilds the ledger balances and the history tables
// from the event log. State tables are restored by SyncFromSnapshot.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.liquidation_history`,
		`TRUNCATE projections.yield_history`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Net flow per account; the boundary account is stored as amount issued.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path,
		       CASE WHEN account_path = $1 THEN -SUM(delta) ELSE SUM(delta) END,
		       MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, -amount, sequence FROM event_log.journal
		) flows
		GROUP BY account_path
	`, ledger.ExternalAccount.AccountPath()); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if err := rebuildHistory(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
