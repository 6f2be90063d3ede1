package escrow

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"trustlance/internal/wallet"
)

// ErrReverted is returned by WaitConfirmed when the lock was mined but failed.
var ErrReverted = errors.New("escrow transaction reverted")

// Client abstracts the on-chain escrow interaction.
type Client interface {
	// LockFunds submits lockFunds(projectID) with value attached and returns
	// the transaction hash as soon as the node accepts it.
	LockFunds(ctx context.Context, signer wallet.Signer, projectID string, value *big.Int) (common.Hash, error)
	// WaitConfirmed blocks until the transaction is mined or ctx ends.
	WaitConfirmed(ctx context.Context, txHash common.Hash) (Receipt, error)
}

// HealthChecker is implemented by clients that can probe their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}
