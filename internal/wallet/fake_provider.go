package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeProvider is an in-memory wallet for simulation runs and tests.
type FakeProvider struct {
	Chain    *big.Int
	Account  common.Address
	Funds    *big.Int
	NoSigner bool
	ChainErr error

	signerCalls atomic.Int32
}

func (f *FakeProvider) ChainID(context.Context) (*big.Int, error) {
	if f.ChainErr != nil {
		return nil, f.ChainErr
	}
	return new(big.Int).Set(f.Chain), nil
}

func (f *FakeProvider) Signer(context.Context) (Signer, error) {
	f.signerCalls.Add(1)
	if f.NoSigner {
		return nil, ErrNoSigner
	}
	return fakeSigner{addr: f.Account}, nil
}

func (f *FakeProvider) Balance(_ context.Context, account common.Address) (*big.Int, error) {
	if account != f.Account {
		return big.NewInt(0), nil
	}
	if f.Funds == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.Funds), nil
}

// SignerCalls reports how many times a signer was requested.
func (f *FakeProvider) SignerCalls() int {
	return int(f.signerCalls.Load())
}

type fakeSigner struct {
	addr common.Address
}

func (s fakeSigner) Address() common.Address { return s.addr }

func (s fakeSigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{
		From:    s.addr,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != s.addr {
				return nil, errors.New("not authorized to sign for this account")
			}
			return tx, nil
		},
	}, nil
}
