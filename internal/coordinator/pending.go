package coordinator

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trustlance/internal/jobs"
)

// PendingLock is the working state of one submission attempt. It is created
// per Submit call and discarded when the attempt ends.
type PendingLock struct {
	tempID          string
	budgetAmount    decimal.Decimal
	budgetBaseUnits *big.Int
	expectedChainID *big.Int
	stage           Stage
	txHash          string
}

func newPendingLock(tempID string, amount decimal.Decimal, baseUnits, expectedChainID *big.Int) *PendingLock {
	return &PendingLock{
		tempID:          tempID,
		budgetAmount:    amount,
		budgetBaseUnits: new(big.Int).Set(baseUnits),
		expectedChainID: new(big.Int).Set(expectedChainID),
		stage:           StageIdle,
	}
}

func (p *PendingLock) TemporaryProjectID() string { return p.tempID }
func (p *PendingLock) BudgetAmount() decimal.Decimal { return p.budgetAmount }
func (p *PendingLock) BudgetBaseUnits() *big.Int { return new(big.Int).Set(p.budgetBaseUnits) }
func (p *PendingLock) ExpectedChainID() *big.Int { return new(big.Int).Set(p.expectedChainID) }
func (p *PendingLock) Stage() Stage { return p.stage }
func (p *PendingLock) TransactionHash() string { return p.txHash }

// advance moves to the next stage. The transaction hash is only ever held in
// locked, persisting and complete; leaving that set clears it.
func (p *PendingLock) advance(to Stage) error {
	if !CanTransition(p.stage, to) {
		return fmt.Errorf("illegal stage transition %s -> %s", p.stage, to)
	}
	if to.HasTransaction() && p.txHash == "" {
		return fmt.Errorf("stage %s requires a transaction hash", to)
	}
	p.stage = to
	if !to.HasTransaction() {
		p.txHash = ""
	}
	return nil
}

// confirm records the confirmed lock and moves to locked.
func (p *PendingLock) confirm(txHash string) error {
	if txHash == "" {
		return fmt.Errorf("empty transaction hash")
	}
	if p.stage != StageLocking {
		return fmt.Errorf("cannot confirm a lock in stage %s", p.stage)
	}
	p.txHash = txHash
	return p.advance(StageLocked)
}

// Snapshot is a copy of a PendingLock handed to stage observers.
type Snapshot struct {
	TemporaryProjectID string
	BudgetAmount       decimal.Decimal
	BudgetBaseUnits    *big.Int
	ExpectedChainID    *big.Int
	Stage              Stage
	TransactionHash    string
}

func (p *PendingLock) snapshot() Snapshot {
	return Snapshot{
		TemporaryProjectID: p.tempID,
		BudgetAmount:       p.budgetAmount,
		BudgetBaseUnits:    p.BudgetBaseUnits(),
		ExpectedChainID:    p.ExpectedChainID(),
		Stage:              p.stage,
		TransactionHash:    p.txHash,
	}
}

// NewTemporaryProjectID returns PROJ_ followed by a UUIDv7 in upper-case hex.
// The time-ordered prefix keeps ids from one client distinct and the random
// tail separates clients.
func NewTemporaryProjectID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate temp id: %w", err)
	}
	return jobs.TempIDPrefix + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")), nil
}
