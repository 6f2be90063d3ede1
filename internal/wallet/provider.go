// Package wallet adapts a signing wallet to the escrow-lock flow: it reports
// which chain it is connected to, hands out a signer, and reads balances.
package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ErrNoSigner is returned when the provider is connected but holds no key.
var ErrNoSigner = errors.New("wallet has no signing account")

// Provider is the wallet capability surface consumed by the coordinator.
type Provider interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Signer(ctx context.Context) (Signer, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Signer produces transaction options bound to one account.
type Signer interface {
	Address() common.Address
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}
