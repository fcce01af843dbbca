package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/command"
	"yieldledger/internal/event"
	"yieldledger/internal/ledger"
	fpmath "yieldledger/internal/math"
	"yieldledger/internal/observability"
	"yieldledger/internal/splitter"
	"yieldledger/internal/state"
)

// DefaultLRUCapacity bounds the in-memory idempotency tier.
const DefaultLRUCapacity = 1_000_000

// Config fixes the protocol accounts and genesis parameters.
type Config struct {
	PoolAddress     common.Address
	SplitterAddress common.Address
	Owner           common.Address
	Maturity        int64
	GenesisTime     int64
	LRUCapacity     int
}

func (c Config) validate() error {
	zero := common.Address{}
	switch {
	case c.PoolAddress == zero, c.SplitterAddress == zero, c.Owner == zero:
		return fmt.Errorf("pool, splitter and owner addresses are required")
	case c.PoolAddress == c.SplitterAddress:
		return fmt.Errorf("pool and splitter must be distinct accounts")
	case c.Owner == c.PoolAddress || c.Owner == c.SplitterAddress:
		return fmt.Errorf("owner cannot be a protocol account")
	case c.Maturity <= 0:
		return fmt.Errorf("maturity must be positive")
	}
	return nil
}

// Engine is the single-writer command processor. Every command runs as one
// all-or-nothing transaction over the pool, the splitter and the asset
// ledger; views read the same state under the lock.
type Engine struct {
	mu sync.Mutex

	cfg            Config
	sequence       int64
	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	pool           state.Pool
	positions      *state.PositionManager
	splitter       splitter.State
	claims         *splitter.Book
	idempotency    *IdempotencyChecker
	metrics        *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied
// command. Pool and Splitter are the post-command values; Positions,
// Claims and Balances hold only the entries the command touched.
type CoreOutput struct {
	Envelope    *event.EventEnvelope
	Batch       *ledger.Batch
	Pool        state.Pool
	Splitter    splitter.State
	Positions   []state.PositionEntry
	Claims      []splitter.AccountEntry
	Balances    []ledger.BalanceEntry
	StateDigest []byte
}

// Receipt is returned for every accepted command.
type Receipt struct {
	Sequence  int64
	Duplicate bool
	StateHash [32]byte
	Records   []event.Record
	// Value carries the command's scalar result, e.g. the yield paid by a
	// claim.
	Value *uint256.Int
}

func NewEngine(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = DefaultLRUCapacity
	}

	balanceTracker := ledger.NewBalanceTracker()
	balanceTracker.RegisterSystem(cfg.PoolAddress)
	balanceTracker.RegisterSystem(cfg.SplitterAddress)
	// The splitter supplies into the pool on behalf of its holders.
	balanceTracker.Approve(cfg.SplitterAddress, cfg.PoolAddress, ledger.MaxAllowance)

	s := splitter.NewState(cfg.SplitterAddress, cfg.Maturity)
	s.LastYieldAccrual = cfg.GenesisTime

	return &Engine{
		cfg:            cfg,
		sequence:       1,
		hasher:         NewStateHasher(),
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(balanceTracker),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		pool:           state.NewPool(cfg.PoolAddress, cfg.Owner, cfg.GenesisTime),
		positions:      state.NewPositionManager(),
		splitter:       s,
		claims:         splitter.NewBook(),
		idempotency:    NewIdempotencyChecker(cfg.LRUCapacity, dbChecker, metrics),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// Submit applies cmd. A command whose key was already processed returns a
// receipt with Duplicate set and changes nothing. Any other failure leaves
// all state untouched.
func (e *Engine) Submit(cmd command.Command) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.apply(cmd, nil)
}

// apply runs the processing pipeline. When expected is non-nil the command
// is being replayed from the log: outputs are not emitted and the resulting
// state hash must match the logged one.
func (e *Engine) apply(cmd command.Command, expected *event.EventEnvelope) (*Receipt, error) {
	start := time.Now()
	if err := command.Validate(cmd); err != nil {
		e.reject(cmd.Type().String(), "invalid")
		return nil, fmt.Errorf("%w: %v", state.ErrInvalidParameter, err)
	}
	meta := cmd.Meta()
	cmdType := cmd.Type().String()

	// Step 1: Protocol accounts never act directly.
	if e.isSystem(meta.Caller) {
		e.reject(cmdType, "unauthorized")
		return nil, fmt.Errorf("%w: caller %s is a protocol account", state.ErrUnauthorized, meta.Caller.Hex())
	}

	// Step 2: Idempotency check (two-tier)
	if expected == nil && e.idempotency.IsDuplicate(cmdType, meta.IdempotencyKey) {
		e.reject(cmdType, "duplicate")
		return &Receipt{Duplicate: true}, nil
	}

	// Step 3: Time only moves forward.
	if meta.Timestamp < e.pool.LastAccrual {
		e.reject(cmdType, "stale_timestamp")
		return nil, fmt.Errorf("%w: timestamp %d precedes last accrual %d", state.ErrInvalidParameter, meta.Timestamp, e.pool.LastAccrual)
	}

	// Step 4: Accrue and dispatch inside a transaction.
	tx, err := state.Begin(e.pool, e.positions, meta.Timestamp)
	if err != nil {
		e.reject(cmdType, state.ErrorCode(err))
		return nil, err
	}
	var stx *splitter.Txn
	if isSplitterCommand(cmd.Type()) {
		if stx, err = splitter.Begin(tx, e.splitter, e.claims); err != nil {
			e.reject(cmdType, state.ErrorCode(err))
			return nil, err
		}
	}
	res, err := e.dispatch(tx, stx, cmd)
	if err != nil {
		e.reject(cmdType, state.ErrorCode(err))
		return nil, err
	}

	// Step 5: Validate transfers against balances and allowances.
	batch := e.journalGen.Generate(meta.IdempotencyKey, e.sequence, meta.Timestamp, tx.Transfers)
	if batch != nil {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			e.reject(cmdType, "transfer_failed")
			return nil, fmt.Errorf("%w: %v", state.ErrTransferFailed, err)
		}
	}

	// Nothing below may fail without panicking: state is being committed.
	payload, err := command.Encode(cmd)
	if err != nil {
		e.reject(cmdType, "encode")
		return nil, fmt.Errorf("encode command: %w", err)
	}

	// Step 6: Apply batch to balances
	if batch != nil {
		if err := e.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: checked batch failed to apply: %v", err))
		}
	}
	if res.approval != nil {
		e.balanceTracker.Approve(meta.Caller, res.approval.spender, res.approval.amount)
	}

	// Step 7: Commit pool, positions and splitter.
	touchedPositions := tx.Touched()
	e.pool = tx.Pool
	e.positions.Apply(touchedPositions)
	var touchedClaims []splitter.AccountEntry
	if stx != nil {
		touchedClaims = stx.Touched()
		e.splitter = stx.State
		e.claims.Apply(touchedClaims)
	}

	// Step 8: State digest and hash chain
	hashStart := time.Now()
	balances := e.touchedBalances(batch, res.approval != nil, meta.Caller)
	digest := e.computeStateDigest(touchedPositions, touchedClaims, balances)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: meta.IdempotencyKey,
		CommandType:    cmd.Type(),
		Caller:         meta.Caller,
		Timestamp:      meta.Timestamp,
		Payload:        payload,
		Records:        tx.Records,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	if expected != nil && expected.StateHash != stateHash {
		panic(fmt.Sprintf("FATAL: replay diverged at sequence %d: logged %x, computed %x", e.sequence, expected.StateHash, stateHash))
	}

	// Step 9: Post-checks
	if err := e.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", e.sequence, err))
	}

	output := CoreOutput{
		Envelope:    envelope,
		Batch:       batch,
		Pool:        e.pool,
		Splitter:    e.splitter,
		Positions:   e.committedPositions(touchedPositions),
		Claims:      e.committedClaims(touchedClaims),
		Balances:    balances,
		StateDigest: digest,
	}
	e.sequence++

	// Step 10: Emit outputs. Persistence blocks (backpressure); projection
	// drops on full and rebuilds from the log.
	if expected == nil {
		e.emit(output)
	}

	// Step 11: Mark as processed
	e.idempotency.MarkProcessed(cmdType, meta.IdempotencyKey)

	e.recordApplied(cmdType, start, tx, batch)

	return &Receipt{
		Sequence:  envelope.Sequence,
		StateHash: stateHash,
		Records:   tx.Records,
		Value:     res.value,
	}, nil
}

func (e *Engine) emit(output CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}
}

func (e *Engine) reject(cmdType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

func (e *Engine) recordApplied(cmdType string, start time.Time, tx *state.Txn, batch *ledger.Batch) {
	if e.metrics == nil {
		return
	}
	e.metrics.CoreCommandsApplied.WithLabelValues(cmdType).Inc()
	e.metrics.CoreCommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
	e.metrics.CoreSequence.Set(float64(e.sequence - 1))
	if batch != nil {
		for _, j := range batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	e.metrics.InterestAccrued.Add(tx.Accrual.Interest.Float64())
	for _, r := range tx.Records {
		if l, ok := r.(*event.Liquidated); ok {
			e.metrics.LiquidationsTotal.Inc()
			e.metrics.LiquidationSeized.Add(l.CollateralSeized.Float64())
		}
	}
	e.metrics.PoolUtilization.Set(e.pool.Utilization().Float64())
	e.metrics.PoolBorrowIndex.Set(e.pool.BorrowIndex.Float64())
	e.metrics.PoolCash.Set(e.pool.Cash.Float64())
	e.metrics.PoolTotalDebt.Set(e.pool.TotalDebt.Float64())
	e.metrics.PoolReserves.Set(e.pool.ReserveBalance.Float64())
	e.metrics.SplitterYieldIndex.Set(e.splitter.YieldIndexE18.Float64())
}

func (e *Engine) isSystem(addr common.Address) bool {
	return addr == e.cfg.PoolAddress || addr == e.cfg.SplitterAddress
}

// requireUser rejects protocol accounts as the destination of a payout or
// role. Underlying sent to them directly would bypass pool accounting.
func (e *Engine) requireUser(field string, addr common.Address) error {
	if e.isSystem(addr) {
		return fmt.Errorf("%w: %s cannot be protocol account %s", state.ErrInvalidParameter, field, addr.Hex())
	}
	return nil
}

func isSplitterCommand(t command.Type) bool {
	switch t {
	case command.TypeSplit, command.TypeRedeemPT, command.TypeClaimYield, command.TypeTransferClaim:
		return true
	}
	return false
}

type pendingApproval struct {
	spender common.Address
	amount  *uint256.Int
}

type dispatchResult struct {
	value    *uint256.Int
	approval *pendingApproval
}

var bpsParams = map[command.Type]string{
	command.TypeSetLtvBps:              state.ParamLtvBps,
	command.TypeSetCloseFactorBps:      state.ParamCloseFactorBps,
	command.TypeSetLiquidationBonusBps: state.ParamLiquidationBonusBps,
	command.TypeSetReserveFactorBps:    state.ParamReserveFactorBps,
}

// dispatch routes cmd to its handler.
func (e *Engine) dispatch(tx *state.Txn, stx *splitter.Txn, cmd command.Command) (dispatchResult, error) {
	var res dispatchResult
	caller := cmd.Meta().Caller
	orCaller := func(a common.Address) common.Address {
		if a == (common.Address{}) {
			return caller
		}
		return a
	}

	var err error
	switch c := cmd.(type) {
	case *command.Deposit:
		err = tx.Deposit(caller, c.Amount)
	case *command.Withdraw:
		err = tx.Withdraw(caller, c.Amount)
	case *command.Borrow:
		err = tx.Borrow(caller, c.Amount)
	case *command.Repay:
		err = tx.Repay(caller, c.Amount)
	case *command.RepayAll:
		err = tx.RepayAll(caller)
	case *command.Liquidate:
		err = tx.Liquidate(caller, c.User, c.RepayAmount)
	case *command.SetBps:
		param, ok := bpsParams[c.Param]
		if !ok {
			return res, fmt.Errorf("%w: %s is not a basis-point setter", state.ErrInvalidParameter, c.Param)
		}
		err = tx.SetRiskParam(caller, param, c.Value)
	case *command.SetRateModel:
		err = tx.SetRateModel(caller, fpmath.RateModel{
			BaseRateE18: c.BaseRateE18,
			Slope1E18:   c.Slope1E18,
			KinkUtilE18: c.KinkUtilE18,
			Slope2E18:   c.Slope2E18,
		})
	case *command.SetBorrowApr:
		err = tx.SetBorrowApr(caller, c.AprE18)
	case *command.WithdrawReserves:
		if err = e.requireUser("to", c.To); err == nil {
			err = tx.WithdrawReserves(caller, c.To, c.Amount)
		}
	case *command.TransferOwnership:
		if err = e.requireUser("new_owner", c.NewOwner); err == nil {
			err = tx.TransferOwnership(caller, c.NewOwner)
		}
	case *command.Split:
		recipient := orCaller(c.Recipient)
		if err = e.requireUser("recipient", recipient); err == nil {
			err = stx.Split(caller, recipient, c.Amount)
		}
	case *command.RedeemPT:
		recipient := orCaller(c.Recipient)
		if err = e.requireUser("recipient", recipient); err == nil {
			err = stx.RedeemPT(caller, recipient, c.Amount)
		}
	case *command.ClaimYield:
		account := orCaller(c.Account)
		if err = e.requireUser("account", account); err == nil {
			res.value, err = stx.ClaimYield(account)
		}
	case *command.TransferClaim:
		if err = e.requireUser("to", c.To); err == nil {
			err = stx.TransferClaim(caller, c.To, c.Kind, c.Amount)
		}
	case *command.Approve:
		res.approval = &pendingApproval{spender: c.Spender, amount: c.Amount.Clone()}
		tx.Emit(&event.Approval{Owner: caller, Spender: c.Spender, Amount: c.Amount.Clone()})
	case *command.Mint:
		err = e.mint(tx, caller, c)
	default:
		return res, fmt.Errorf("%w: %s", command.ErrUnknownType, cmd.Type())
	}
	return res, err
}

// mint issues new underlying from the external boundary. Owner only.
func (e *Engine) mint(tx *state.Txn, caller common.Address, c *command.Mint) error {
	if caller != tx.Pool.Admin.Owner {
		return state.ErrUnauthorized
	}
	if c.Amount.IsZero() {
		return state.ErrZeroAmount
	}
	if err := e.requireUser("to", c.To); err != nil {
		return err
	}
	tx.Move(ledger.Transfer{
		From:   ledger.ExternalAccount,
		To:     ledger.NewUserAccountKey(c.To),
		Amount: c.Amount.Clone(),
		Type:   ledger.JournalTypeMint,
	})
	tx.Emit(&event.Minted{To: c.To, Amount: c.Amount.Clone()})
	return nil
}

// touchedBalances lists post-command balances of every account the batch
// moved, sorted by account path. An approval touches the owner's allowance
// only, so the owner's balance row is included to anchor it in the digest.
func (e *Engine) touchedBalances(batch *ledger.Batch, approved bool, owner common.Address) []ledger.BalanceEntry {
	keys := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			keys[j.DebitAccount] = true
			keys[j.CreditAccount] = true
		}
	}
	if approved {
		keys[e.balanceTracker.KeyFor(owner)] = true
	}
	out := make([]ledger.BalanceEntry, 0, len(keys))
	for key := range keys {
		amount := e.balanceTracker.GetBalance(key)
		if key.Scope == ledger.AccountScopeExternal {
			amount = e.balanceTracker.Issued()
		}
		out = append(out, ledger.BalanceEntry{Key: key, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.AccountPath() < out[j].Key.AccountPath()
	})
	return out
}

func (e *Engine) committedPositions(touched []state.PositionEntry) []state.PositionEntry {
	out := make([]state.PositionEntry, 0, len(touched))
	for _, t := range touched {
		out = append(out, state.PositionEntry{Address: t.Address, Position: e.positions.Position(t.Address)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

func (e *Engine) committedClaims(touched []splitter.AccountEntry) []splitter.AccountEntry {
	out := make([]splitter.AccountEntry, 0, len(touched))
	for _, t := range touched {
		out = append(out, splitter.AccountEntry{Address: t.Address, Account: e.claims.Account(t.Address)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

// postCheckInvariants validates cross-component invariants after commit.
func (e *Engine) postCheckInvariants() error {
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := e.pool.Validate(); err != nil {
		return err
	}
	if held := e.balanceTracker.BalanceOf(e.cfg.PoolAddress); !held.Eq(e.pool.Cash) {
		return fmt.Errorf("pool holds %s underlying but accounts cash %s", held.Dec(), e.pool.Cash.Dec())
	}
	if held := e.balanceTracker.BalanceOf(e.cfg.SplitterAddress); !held.IsZero() {
		return fmt.Errorf("splitter holds %s idle underlying", held.Dec())
	}
	if !e.splitter.PTSupply.Eq(e.splitter.YTSupply) && e.cfg.Maturity > e.pool.LastAccrual {
		return fmt.Errorf("PT supply %s differs from YT supply %s before maturity", e.splitter.PTSupply.Dec(), e.splitter.YTSupply.Dec())
	}
	return nil
}
