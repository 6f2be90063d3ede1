package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"trustlance/internal/escrow"
)

// Kind classifies why a submission attempt failed.
type Kind string

const (
	KindWalletUnavailable      Kind = "wallet_unavailable"
	KindNetworkMismatch        Kind = "network_mismatch"
	KindChainTransactionFailed Kind = "chain_transaction_failed"
	KindPersistenceDesync      Kind = "persistence_desync"
	KindInvalidBudget          Kind = "invalid_budget"
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindCancelled              Kind = "cancelled"
)

// Sentinels matched by errors.Is against a *SubmissionError of the same kind.
var (
	ErrWalletUnavailable      = errors.New("wallet unavailable")
	ErrNetworkMismatch        = errors.New("network mismatch")
	ErrChainTransactionFailed = errors.New("chain transaction failed")
	ErrPersistenceDesync      = errors.New("persistence desync")
	ErrInvalidBudget          = errors.New("invalid budget")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrCancelled              = errors.New("submission cancelled")
)

var (
	// ErrBusy is returned when an attempt is already in flight.
	ErrBusy = errors.New("a submission is already in progress")
	// ErrUnreconciledDesync blocks resubmitting a draft whose previous lock was
	// never recorded.
	ErrUnreconciledDesync = errors.New("draft has an unreconciled escrow lock")
	// ErrJournalWrite accompanies a funds-at-risk failure that could not be
	// written to the reconciliation journal.
	ErrJournalWrite = errors.New("reconciliation journal write failed")
)

var kindSentinels = map[Kind]error{
	KindWalletUnavailable:      ErrWalletUnavailable,
	KindNetworkMismatch:        ErrNetworkMismatch,
	KindChainTransactionFailed: ErrChainTransactionFailed,
	KindPersistenceDesync:      ErrPersistenceDesync,
	KindInvalidBudget:          ErrInvalidBudget,
	KindInsufficientFunds:      ErrInsufficientFunds,
	KindCancelled:              ErrCancelled,
}

// SubmissionError is the structured failure of one attempt. TransactionHash is
// set whenever a lock transaction reached the node, so callers can tell
// whether funds may have left the wallet.
type SubmissionError struct {
	Kind               Kind
	Stage              Stage
	TemporaryProjectID string
	TransactionHash    string
	Timeout            bool
	Message            string
	Err                error
}

func (e *SubmissionError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.TransactionHash != "" {
		fmt.Fprintf(&b, " (tx %s, temp id %s)", e.TransactionHash, e.TemporaryProjectID)
	}
	return b.String()
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// FundsAtRisk reports whether value may be held by the escrow contract
// without a matching job record. Once a lock has been submitted, only a mined
// revert rules that out.
func (e *SubmissionError) FundsAtRisk() bool {
	switch e.Kind {
	case KindPersistenceDesync:
		return true
	case KindChainTransactionFailed:
		return e.TransactionHash != "" && !errors.Is(e.Err, escrow.ErrReverted)
	default:
		return false
	}
}

// AsSubmissionError unwraps err into a *SubmissionError when it is one.
func AsSubmissionError(err error) (*SubmissionError, bool) {
	var se *SubmissionError
	ok := errors.As(err, &se)
	return se, ok
}
