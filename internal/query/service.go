package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/ledger"
	"yieldledger/internal/splitter"
	"yieldledger/internal/state"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// LedgerView is the read side of the core engine. Views accrue to `now`
// on a discarded transaction and never change committed state.
type LedgerView interface {
	Account(addr common.Address, now int64) (state.AccountView, error)
	BalanceOf(addr common.Address) *uint256.Int
	ClaimAccount(addr common.Address) splitter.Account
	PreviewClaimUpdated(account common.Address, now int64) (*uint256.Int, error)
	PoolState(now int64) (state.PoolStats, error)
	ProtocolReserves(now int64) (*uint256.Int, error)
	AvailableReserves(now int64) (*uint256.Int, error)
	SplitterState(now int64) (splitter.State, error)
	ClaimHandles(now int64) (pt, yt splitter.ClaimHandle, err error)
	GetSequence() int64
}

// QueryService answers reads. Live account, pool and splitter views come
// from the engine; history and the event feed come from Postgres and carry
// the projection watermark as as_of_sequence.
type QueryService struct {
	db   *sql.DB
	view LedgerView
	pool common.Address
}

func NewQueryService(db *sql.DB, view LedgerView, pool common.Address) *QueryService {
	return &QueryService{db: db, view: view, pool: pool}
}

// --- Engine-backed views ---

// GetAccount returns every per-account view for addr at now.
func (qs *QueryService) GetAccount(addr common.Address, now int64) (*AccountResponse, error) {
	asOf := qs.engineSequence()
	v, err := qs.view.Account(addr, now)
	if err != nil {
		return nil, err
	}
	claimable, err := qs.view.PreviewClaimUpdated(addr, now)
	if err != nil {
		return nil, err
	}
	return NewAccountResponse(v, qs.view.BalanceOf(addr), qs.view.ClaimAccount(addr), claimable, now, asOf), nil
}

// GetPool returns pool totals and rates projected to now.
func (qs *QueryService) GetPool(now int64) (*PoolResponse, error) {
	asOf := qs.engineSequence()
	s, err := qs.view.PoolState(now)
	if err != nil {
		return nil, err
	}
	return NewPoolResponse(qs.pool, s, now, asOf), nil
}

// GetReserves returns total and withdrawable protocol reserves at now.
func (qs *QueryService) GetReserves(now int64) (*ReservesResponse, error) {
	asOf := qs.engineSequence()
	total, err := qs.view.ProtocolReserves(now)
	if err != nil {
		return nil, err
	}
	avail, err := qs.view.AvailableReserves(now)
	if err != nil {
		return nil, err
	}
	return &ReservesResponse{Reserves: dec(total), Available: dec(avail), Timestamp: now, AsOfSequence: asOf}, nil
}

// GetSplitter returns the splitter state and claim handles at now.
func (qs *QueryService) GetSplitter(now int64) (*SplitterResponse, error) {
	asOf := qs.engineSequence()
	s, err := qs.view.SplitterState(now)
	if err != nil {
		return nil, err
	}
	pt, yt, err := qs.view.ClaimHandles(now)
	if err != nil {
		return nil, err
	}
	return NewSplitterResponse(s, pt, yt, now, asOf), nil
}

// --- History (Postgres) ---

// GetLiquidationHistory returns liquidations, newest first. A nil user
// returns liquidations of every borrower. beforeSequence is an exclusive
// cursor.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	user *common.Address,
	limit int,
	beforeSequence *int64,
) ([]LiquidationResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	b := newWhere()
	if user != nil {
		b.add("user_address = $%d", lowerHex(*user))
	}
	if beforeSequence != nil {
		b.add("sequence < $%d", *beforeSequence)
	}
	query := `
		SELECT sequence, liquidator, user_address, assets_paid::text, debt_shares_burned::text,
		       collateral_seized::text, shares_seized::text, borrow_index::text, command_time
		FROM projections.liquidation_history` + b.clause() + `
		ORDER BY sequence DESC` + b.limit(limit)

	rows, err := qs.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		r := LiquidationResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&r.Sequence, &r.Liquidator, &r.User, &r.AssetsPaid, &r.DebtSharesBurned,
			&r.CollateralSeized, &r.SharesSeized, &r.BorrowIndexE18, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetYieldHistory returns yield claims paid to account, newest first.
func (qs *QueryService) GetYieldHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	beforeSequence *int64,
) ([]YieldResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	b := newWhere()
	b.add("account = $%d", lowerHex(account))
	if beforeSequence != nil {
		b.add("sequence < $%d", *beforeSequence)
	}
	query := `
		SELECT sequence, account, amount::text, yield_index::text, command_time
		FROM projections.yield_history` + b.clause() + `
		ORDER BY sequence DESC` + b.limit(limit)

	rows, err := qs.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []YieldResponse
	for rows.Next() {
		y := YieldResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&y.Sequence, &y.Account, &y.Amount, &y.YieldIndexE18, &y.Timestamp); err != nil {
			return nil, err
		}
		results = append(results, y)
	}
	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching addr, under either its
// user or its system path, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	addr common.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	userPath := ledger.NewUserAccountKey(addr).AccountPath()
	systemPath := ledger.NewSystemAccountKey(addr).AccountPath()

	b := newWhere()
	b.args = append(b.args, userPath, systemPath)
	b.conds = append(b.conds, "(debit_account IN ($1, $2) OR credit_account IN ($1, $2))")
	if beforeSequence != nil {
		b.add("sequence < $%d", *beforeSequence)
	}
	query := `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       spender, amount::text, journal_type, command_time
		FROM event_log.journal` + b.clause() + `
		ORDER BY sequence DESC, journal_id` + b.limit(limit)

	rows, err := qs.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e       JournalHistoryEntry
			spender sql.NullString
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &spender, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if spender.Valid {
			e.Spender = &spender.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEvents returns the logged command feed in sequence order, starting
// after afterSequence.
func (qs *QueryService) GetEvents(ctx context.Context, afterSequence int64, limit int) ([]EventEntry, error) {
	b := newWhere()
	b.add("sequence > $%d", afterSequence)
	query := `
		SELECT sequence, command_type, idempotency_key, caller, payload, records,
		       state_hash, extract(epoch FROM command_time)::bigint
		FROM event_log.events` + b.clause() + `
		ORDER BY sequence ASC` + b.limit(limit)

	rows, err := qs.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventEntry
	for rows.Next() {
		var (
			e                           EventEntry
			payload, records, stateHash []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.Caller,
			&payload, &records, &stateHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.Records = records
		e.StateHash = "0x" + hex.EncodeToString(stateHash)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain, that the projected
// balances sum to what was issued, and that the pool's cash matches its
// ledger balance.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var imbalance string
	err = qs.db.QueryRowContext(ctx, `
		SELECT (COALESCE(SUM(balance) FILTER (WHERE account_path = $1), 0)
		      - COALESCE(SUM(balance) FILTER (WHERE account_path <> $1), 0))::text
		FROM projections.balances
	`, ledger.ExternalAccount.AccountPath()).Scan(&imbalance)
	if err != nil {
		return nil, fmt.Errorf("ledger balance: %w", err)
	}
	if imbalance != "0" {
		report.LedgerImbalance = imbalance
	}

	var mismatch bool
	err = qs.db.QueryRowContext(ctx, `
		SELECT p.cash <> COALESCE(b.balance, 0)
		FROM projections.pool_state p
		LEFT JOIN projections.balances b ON b.account_path = 'system:' || p.pool_address
		WHERE p.pool_address = $1
	`, lowerHex(qs.pool)).Scan(&mismatch)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool cash: %w", err)
	}
	report.PoolCashMismatch = mismatch

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.LedgerImbalance == "" && !report.PoolCashMismatch
	return report, nil
}

// --- helpers ---

func (qs *QueryService) engineSequence() int64 {
	return qs.view.GetSequence() - 1
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// where accumulates numbered conditions for a single statement.
type where struct {
	conds []string
	args  []interface{}
}

func newWhere() *where { return &where{} }

func (w *where) add(format string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(format, len(w.args)))
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "\n\t\tWHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) limit(n int) string {
	w.args = append(w.args, ClampLimit(n))
	return fmt.Sprintf("\n\t\tLIMIT $%d", len(w.args))
}

// ClampLimit applies DefaultLimit to non-positive values and caps at MaxLimit.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
