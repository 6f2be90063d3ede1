package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"trustlance/internal/wallet"
)

// FakeClient emulates the escrow contract in memory. Hashes are derived from
// the project id so runs are reproducible.
type FakeClient struct {
	// SubmitErr is returned from LockFunds, e.g. a user rejection.
	SubmitErr error
	// Revert makes WaitConfirmed report a mined but failed transaction.
	Revert bool
	// Hang makes WaitConfirmed block until its context ends.
	Hang bool
	// WaitErr is returned from WaitConfirmed, e.g. a node that stopped answering.
	WaitErr error

	mu     sync.Mutex
	locked map[common.Hash]FakeLock
	calls  int
}

// FakeLock is what the fake contract recorded for one lock call.
type FakeLock struct {
	ProjectID string
	From      common.Address
	Value     *big.Int
}

func (f *FakeClient) LockFunds(ctx context.Context, signer wallet.Signer, projectID string, value *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.SubmitErr != nil {
		return common.Hash{}, f.SubmitErr
	}
	if signer == nil {
		return common.Hash{}, fmt.Errorf("signer is required")
	}
	if _, err := signer.TransactOpts(ctx); err != nil {
		return common.Hash{}, err
	}

	hash := crypto.Keccak256Hash([]byte(projectID), value.Bytes(), signer.Address().Bytes())
	if f.locked == nil {
		f.locked = make(map[common.Hash]FakeLock)
	}
	f.locked[hash] = FakeLock{
		ProjectID: projectID,
		From:      signer.Address(),
		Value:     new(big.Int).Set(value),
	}
	return hash, nil
}

func (f *FakeClient) WaitConfirmed(ctx context.Context, txHash common.Hash) (Receipt, error) {
	if f.Hang {
		<-ctx.Done()
		return Receipt{}, ctx.Err()
	}
	if f.WaitErr != nil {
		return Receipt{}, f.WaitErr
	}

	f.mu.Lock()
	_, ok := f.locked[txHash]
	f.mu.Unlock()
	if !ok {
		return Receipt{}, fmt.Errorf("unknown transaction %s", txHash.Hex())
	}
	if f.Revert {
		return Receipt{TxHash: txHash, BlockNumber: 1}, fmt.Errorf("%w: %s", ErrReverted, txHash.Hex())
	}
	return Receipt{TxHash: txHash, BlockNumber: 1, GasUsed: 21000}, nil
}

// Calls reports how many LockFunds calls were made.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Locks returns a copy of the recorded locks.
func (f *FakeClient) Locks() []FakeLock {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeLock, 0, len(f.locked))
	for _, l := range f.locked {
		out = append(out, l)
	}
	return out
}
