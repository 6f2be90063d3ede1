package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat's first well-known development key.
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type stubRPC struct {
	chainID  *big.Int
	balances map[common.Address]*big.Int
	err      error
}

func (s stubRPC) ChainID(context.Context) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.chainID, nil
}

func (s stubRPC) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	if b, ok := s.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func TestParsePrivateKeyAcceptsPrefix(t *testing.T) {
	withPrefix, err := ParsePrivateKey(devKey)
	require.NoError(t, err)
	bare, err := ParsePrivateKey(devKey[2:])
	require.NoError(t, err)

	assert.Equal(t, crypto.PubkeyToAddress(withPrefix.PublicKey), crypto.PubkeyToAddress(bare.PublicKey))

	_, err = ParsePrivateKey("not-a-key")
	assert.Error(t, err)
}

func TestEthProviderSignerUsesChainID(t *testing.T) {
	key, err := ParsePrivateKey(devKey)
	require.NoError(t, err)

	p := newEthProvider(stubRPC{chainID: big.NewInt(8082)}, key)
	signer, err := p.Signer(context.Background())
	require.NoError(t, err)

	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())

	opts, err := signer.TransactOpts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), opts.From)
	assert.NotNil(t, opts.Signer)
}

func TestEthProviderWithoutKeyHasNoSigner(t *testing.T) {
	p := newEthProvider(stubRPC{chainID: big.NewInt(1)}, nil)

	_, err := p.Signer(context.Background())
	assert.ErrorIs(t, err, ErrNoSigner)

	_, ok := p.Account()
	assert.False(t, ok)
}

func TestEthProviderWrapsRPCErrors(t *testing.T) {
	rpcErr := errors.New("connection refused")
	p := newEthProvider(stubRPC{err: rpcErr}, nil)

	_, err := p.ChainID(context.Background())
	assert.ErrorIs(t, err, rpcErr)

	_, err = p.Balance(context.Background(), common.Address{})
	assert.ErrorIs(t, err, rpcErr)
}
