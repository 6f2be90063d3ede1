// Package coordinator sequences the escrow-lock handshake: check the wallet's
// network, lock the budget in the escrow contract under a temporary project
// id, then persist the job with the lock's transaction hash.
//
// Once the lock is confirmed the funds are out of the user's custody, so a
// failed persistence call is reported as a PersistenceDesync carrying the hash
// and is never retried with a second lock. A submitted lock whose outcome was
// never observed is treated the same way: both are journaled and block the
// draft until reconciled.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"trustlance/internal/escrow"
	"trustlance/internal/jobs"
	"trustlance/internal/reconcile"
	"trustlance/internal/session"
	"trustlance/internal/units"
	"trustlance/internal/wallet"
)

const (
	defaultConfirmTimeout = 3 * time.Minute
	defaultPersistTimeout = 30 * time.Second
	defaultSessionTTL     = 10 * time.Minute
	// sessionMargin is the lease time kept beyond the confirm and persist
	// timeouts for signing and submission.
	sessionMargin = time.Minute
)

// Persister stores the finalized job and returns its record id.
type Persister interface {
	Create(ctx context.Context, p jobs.Payload) (string, error)
}

type Config struct {
	ExpectedChainID *big.Int
	// NetworkName is shown to the user when the wallet is on another chain.
	NetworkName    string
	ConfirmTimeout time.Duration
	PersistTimeout time.Duration
	// SessionTTL is raised to cover ConfirmTimeout and PersistTimeout.
	SessionTTL time.Duration
}

// Deps are the collaborators of a Coordinator. Wallet may be nil, which makes
// every attempt fail with WalletUnavailable. Journal and Guard are optional.
type Deps struct {
	Wallet     wallet.Provider
	Escrow     escrow.Client
	Persister  Persister
	Journal    reconcile.Journal
	Guard      session.Guard
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// OnStage observes every stage the attempt enters.
	OnStage func(Snapshot)
}

type Coordinator struct {
	cfg       Config
	wallet    wallet.Provider
	escrow    escrow.Client
	persister Persister
	journal   reconcile.Journal
	guard     session.Guard
	logger    *zap.Logger
	onStage   func(Snapshot)
	metrics   *metrics
	steps     map[Stage]stepFunc

	now       func() time.Time
	newTempID func() (string, error)

	busy atomic.Bool

	// held keeps at-risk entries the journal refused, keyed by draft
	// fingerprint, so the draft stays blocked in this process.
	heldMu sync.Mutex
	held   map[string]reconcile.Entry
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if cfg.ExpectedChainID == nil || cfg.ExpectedChainID.Sign() <= 0 {
		return nil, errors.New("expected chain id is required")
	}
	if deps.Escrow == nil {
		return nil, errors.New("escrow client is required")
	}
	if deps.Persister == nil {
		return nil, errors.New("persister is required")
	}
	if cfg.NetworkName == "" {
		cfg.NetworkName = "chain " + cfg.ExpectedChainID.String()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if minTTL := cfg.ConfirmTimeout + cfg.PersistTimeout + sessionMargin; cfg.SessionTTL < minTTL {
		logger.Info("raising wallet session ttl to cover the lock",
			zap.Duration("configured", cfg.SessionTTL),
			zap.Duration("ttl", minTTL),
		)
		cfg.SessionTTL = minTTL
	}

	c := &Coordinator{
		cfg:       cfg,
		wallet:    deps.Wallet,
		escrow:    deps.Escrow,
		persister: deps.Persister,
		journal:   deps.Journal,
		guard:     deps.Guard,
		logger:    logger.Named("coordinator"),
		onStage:   deps.OnStage,
		metrics:   newMetrics(deps.Registerer),
		now:       time.Now,
		newTempID: NewTemporaryProjectID,
		held:      make(map[string]reconcile.Entry),
	}
	c.steps = map[Stage]stepFunc{
		StageIdle:              c.start,
		StageCheckingNetwork:   c.checkNetwork,
		StageAwaitingSignature: c.acquireSigner,
		StageLocking:           c.lock,
		StageLocked:            c.locked,
		StagePersisting:        c.persist,
	}
	return c, nil
}

// Busy reports whether an attempt is in flight.
func (c *Coordinator) Busy() bool {
	return c.busy.Load()
}

// attempt carries one Submit call through the steps.
type attempt struct {
	draft  jobs.Draft
	lock   *PendingLock
	signer wallet.Signer
	// submitted is the hash returned by the node, known before confirmation.
	submitted common.Hash
	release   func(context.Context) error
	recordID  string
}

// stepFunc performs the side effect of the current stage and returns the next.
type stepFunc func(ctx context.Context, a *attempt) (Stage, error)

// Submit runs one full attempt for the draft and returns the persisted job id.
// Failures are, or wrap, a *SubmissionError unless the attempt never started
// (ErrBusy, ErrUnreconciledDesync, journal errors). A funds-at-risk failure
// that could not be journaled also matches ErrJournalWrite.
func (c *Coordinator) Submit(ctx context.Context, draft jobs.Draft) (string, error) {
	if !c.busy.CompareAndSwap(false, true) {
		c.metrics.incOutcome("busy")
		return "", ErrBusy
	}
	defer c.busy.Store(false)

	if err := c.checkJournal(ctx, draft); err != nil {
		return "", err
	}

	tempID, err := c.newTempID()
	if err != nil {
		return "", err
	}

	baseUnits, err := units.ToBaseUnits(draft.BudgetAmount)
	if err != nil {
		c.metrics.incOutcome(string(KindInvalidBudget))
		return "", &SubmissionError{
			Kind:               KindInvalidBudget,
			Stage:              StageIdle,
			TemporaryProjectID: tempID,
			Err:                err,
		}
	}

	a := &attempt{
		draft: draft,
		lock:  newPendingLock(tempID, units.FromBaseUnits(baseUnits), baseUnits, c.cfg.ExpectedChainID),
	}
	defer c.releaseSession(a)

	log := c.logger.With(zap.String("temp_id", tempID))
	log.Info("escrow submission started",
		zap.String("budget", a.lock.BudgetAmount().String()),
		zap.String("budget_base_units", baseUnits.String()),
		zap.String("expected_chain_id", c.cfg.ExpectedChainID.String()),
	)
	c.observe(a, log)

	for !a.lock.Stage().Terminal() {
		step, ok := c.steps[a.lock.Stage()]
		if !ok {
			return "", c.fail(ctx, a, log, fmt.Errorf("no step for stage %s", a.lock.Stage()))
		}
		next, err := step(ctx, a)
		if err != nil {
			return "", c.fail(ctx, a, log, err)
		}
		if err := c.transition(a, next); err != nil {
			return "", c.fail(ctx, a, log, err)
		}
		c.observe(a, log)
	}

	c.metrics.incOutcome("complete")
	log.Info("escrow submission complete",
		zap.String("job_id", a.recordID),
		zap.String("tx_hash", a.lock.TransactionHash()),
	)
	return a.recordID, nil
}

func (c *Coordinator) transition(a *attempt, next Stage) error {
	if next == StageLocked {
		return a.lock.confirm(a.submitted.Hex())
	}
	return a.lock.advance(next)
}

func (c *Coordinator) checkJournal(ctx context.Context, draft jobs.Draft) error {
	fingerprint := draft.Fingerprint()
	if entry, ok := c.heldEntry(ctx, fingerprint); ok {
		return c.blocked(entry)
	}
	if c.journal == nil {
		return nil
	}
	entry, err := c.journal.Unresolved(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("check reconciliation journal: %w", err)
	}
	if entry != nil {
		return c.blocked(*entry)
	}
	return nil
}

func (c *Coordinator) blocked(e reconcile.Entry) error {
	c.metrics.incOutcome("blocked")
	return fmt.Errorf("%w: temp id %s, tx %s", ErrUnreconciledDesync, e.TempID, e.TxHash)
}

// heldEntry returns an entry held in memory for the draft. It first retries
// the journal write and, once that succeeds, leaves the journal as the gate.
func (c *Coordinator) heldEntry(ctx context.Context, fingerprint string) (reconcile.Entry, bool) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	entry, ok := c.held[fingerprint]
	if !ok {
		return reconcile.Entry{}, false
	}
	if c.journal == nil {
		return entry, true
	}
	if err := c.journal.Record(ctx, entry); err != nil {
		c.logger.Warn("reconciliation journal still unavailable",
			zap.String("temp_id", entry.TempID), zap.Error(err))
		return entry, true
	}
	delete(c.held, fingerprint)
	return reconcile.Entry{}, false
}

func (c *Coordinator) hold(e reconcile.Entry) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	c.held[e.DraftFingerprint] = e
}

func (c *Coordinator) start(ctx context.Context, _ *attempt) (Stage, error) {
	return StageCheckingNetwork, nil
}

func (c *Coordinator) checkNetwork(ctx context.Context, a *attempt) (Stage, error) {
	if c.wallet == nil {
		return 0, a.failure(KindWalletUnavailable, "no wallet is connected", nil)
	}
	if err := ctx.Err(); err != nil {
		return 0, a.failure(KindCancelled, "", err)
	}

	chainID, err := c.wallet.ChainID(ctx)
	if err != nil {
		return 0, c.walletFailure(ctx, a, "read wallet network", err)
	}
	if chainID.Cmp(c.cfg.ExpectedChainID) != 0 {
		return 0, a.failure(KindNetworkMismatch, fmt.Sprintf(
			"wallet is on chain id %s, switch it to %s (chain id %s)",
			chainID, c.cfg.NetworkName, c.cfg.ExpectedChainID,
		), nil)
	}
	return StageAwaitingSignature, nil
}

func (c *Coordinator) acquireSigner(ctx context.Context, a *attempt) (Stage, error) {
	if c.wallet == nil {
		return 0, a.failure(KindWalletUnavailable, "no wallet is connected", nil)
	}

	signer, err := c.wallet.Signer(ctx)
	if err != nil {
		return 0, c.walletFailure(ctx, a, "request signer", err)
	}
	a.signer = signer

	balance, err := c.wallet.Balance(ctx, signer.Address())
	if err != nil {
		return 0, c.walletFailure(ctx, a, "read balance", err)
	}
	need := a.lock.BudgetBaseUnits()
	if balance.Cmp(need) < 0 {
		return 0, a.failure(KindInsufficientFunds, fmt.Sprintf(
			"balance %s %s is below the budget of %s %s",
			units.FormatDisplay(balance, 4), units.Symbol, a.lock.BudgetAmount(), units.Symbol,
		), nil)
	}

	if c.guard != nil {
		release, err := c.guard.Acquire(ctx, signer.Address().Hex(), c.cfg.SessionTTL)
		if errors.Is(err, session.ErrHeld) {
			return 0, fmt.Errorf("%w: wallet %s", ErrBusy, signer.Address().Hex())
		}
		if err != nil {
			return 0, fmt.Errorf("acquire session: %w", err)
		}
		a.release = release
	}

	// Last point at which the attempt can be abandoned.
	if err := ctx.Err(); err != nil {
		return 0, a.failure(KindCancelled, "", err)
	}
	return StageLocking, nil
}

func (c *Coordinator) lock(ctx context.Context, a *attempt) (Stage, error) {
	hash, err := c.escrow.LockFunds(ctx, a.signer, a.lock.TemporaryProjectID(), a.lock.BudgetBaseUnits())
	if err != nil {
		return 0, a.failure(KindChainTransactionFailed, "lock transaction was not accepted", err)
	}
	a.submitted = hash
	c.logger.Info("escrow lock submitted",
		zap.String("temp_id", a.lock.TemporaryProjectID()),
		zap.String("tx_hash", hash.Hex()),
	)

	// The transaction is live; follow it to its outcome even if the caller
	// goes away.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConfirmTimeout)
	defer cancel()

	receipt, err := c.escrow.WaitConfirmed(waitCtx, hash)
	if err != nil {
		se := a.failure(KindChainTransactionFailed, "lock transaction outcome unknown", err)
		se.TransactionHash = hash.Hex()
		switch {
		case errors.Is(err, escrow.ErrReverted):
			se.Message = "lock transaction reverted"
		case errors.Is(err, context.DeadlineExceeded):
			se.Timeout = true
			se.Message = fmt.Sprintf("lock transaction not confirmed within %s", c.cfg.ConfirmTimeout)
		}
		return 0, se
	}
	c.logger.Debug("escrow lock confirmed",
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber),
		zap.Uint64("gas_used", receipt.GasUsed),
	)
	return StageLocked, nil
}

func (c *Coordinator) locked(context.Context, *attempt) (Stage, error) {
	return StagePersisting, nil
}

func (c *Coordinator) persist(ctx context.Context, a *attempt) (Stage, error) {
	payload := jobs.NewPayload(a.draft, a.lock.BudgetAmount(), a.lock.TemporaryProjectID(), a.lock.TransactionHash(), c.now())

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PersistTimeout)
	defer cancel()

	id, err := c.persister.Create(persistCtx, payload)
	if err != nil {
		se := a.failure(KindPersistenceDesync, "funds are locked but the job was not saved", err)
		se.TransactionHash = a.lock.TransactionHash()
		return 0, se
	}
	a.recordID = id
	return StageComplete, nil
}

// fail ends the attempt and returns err. Failures that may leave funds in
// escrow are recorded in the journal.
func (c *Coordinator) fail(ctx context.Context, a *attempt, log *zap.Logger, err error) error {
	from := a.lock.Stage()
	if advErr := a.lock.advance(StageFailed); advErr != nil {
		log.Error("forcing failed stage", zap.Error(advErr))
		a.lock.stage = StageFailed
		a.lock.txHash = ""
	}
	c.observe(a, log)

	se, ok := AsSubmissionError(err)
	if !ok {
		if errors.Is(err, ErrBusy) {
			c.metrics.incOutcome("busy")
		} else {
			c.metrics.incOutcome("error")
		}
		log.Warn("escrow submission aborted", zap.Stringer("stage", from), zap.Error(err))
		return err
	}

	c.metrics.incOutcome(string(se.Kind))
	fields := []zap.Field{
		zap.String("kind", string(se.Kind)),
		zap.Stringer("stage", se.Stage),
		zap.Error(se),
	}
	if se.TransactionHash != "" {
		fields = append(fields, zap.String("tx_hash", se.TransactionHash))
	}

	if !se.FundsAtRisk() {
		log.Warn("escrow submission failed", fields...)
		return se
	}

	log.Error("escrow lock may be held without job record", fields...)
	entry := reconcile.Entry{
		TempID:           se.TemporaryProjectID,
		TxHash:           se.TransactionHash,
		DraftFingerprint: a.draft.Fingerprint(),
		Budget:           a.lock.BudgetAmount().String(),
		BudgetBaseUnits:  a.lock.BudgetBaseUnits().String(),
		ChainID:          c.cfg.ExpectedChainID.String(),
		Error:            se.Error(),
		Unconfirmed:      se.Kind == KindChainTransactionFailed,
		RecordedAt:       c.now().UTC(),
	}
	if c.journal == nil {
		c.hold(entry)
		return se
	}
	if jerr := c.journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
		log.Error("reconciliation journal write failed", zap.Error(jerr), zap.String("tx_hash", se.TransactionHash))
		c.hold(entry)
		return errors.Join(se, fmt.Errorf("%w: %w", ErrJournalWrite, jerr))
	}
	return se
}

func (c *Coordinator) walletFailure(ctx context.Context, a *attempt, msg string, err error) *SubmissionError {
	if ctx.Err() != nil {
		return a.failure(KindCancelled, "", ctx.Err())
	}
	if errors.Is(err, wallet.ErrNoSigner) {
		return a.failure(KindWalletUnavailable, "wallet has no account to sign with", err)
	}
	return a.failure(KindWalletUnavailable, msg, err)
}

func (c *Coordinator) releaseSession(a *attempt) {
	if a.release == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.release(ctx); err != nil {
		c.logger.Warn("release wallet session", zap.Error(err))
	}
}

func (c *Coordinator) observe(a *attempt, log *zap.Logger) {
	stage := a.lock.Stage()
	c.metrics.incStage(stage)
	log.Debug("escrow stage", zap.Stringer("stage", stage))
	if c.onStage != nil {
		c.onStage(a.lock.snapshot())
	}
}

func (a *attempt) failure(kind Kind, msg string, err error) *SubmissionError {
	return &SubmissionError{
		Kind:               kind,
		Stage:              a.lock.Stage(),
		TemporaryProjectID: a.lock.TemporaryProjectID(),
		Message:            msg,
		Err:                err,
	}
}
