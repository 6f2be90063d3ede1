package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

type chainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EthProvider is a Provider backed by a JSON-RPC node and an optional local key.
type EthProvider struct {
	rpc chainReader
	key *ecdsa.PrivateKey
}

type EthProviderConfig struct {
	RPCURL        string
	PrivateKeyHex string
}

// NewEthProvider dials the node. A missing key yields a read-only provider
// whose Signer returns ErrNoSigner.
func NewEthProvider(ctx context.Context, cfg EthProviderConfig) (*EthProvider, *ethclient.Client, error) {
	if cfg.RPCURL == "" {
		return nil, nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}

	p := &EthProvider{rpc: cli}
	if cfg.PrivateKeyHex != "" {
		key, err := ParsePrivateKey(cfg.PrivateKeyHex)
		if err != nil {
			cli.Close()
			return nil, nil, err
		}
		p.key = key
	}
	return p, cli, nil
}

func newEthProvider(rpc chainReader, key *ecdsa.PrivateKey) *EthProvider {
	return &EthProvider{rpc: rpc, key: key}
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (p *EthProvider) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := p.rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	return id, nil
}

func (p *EthProvider) Signer(ctx context.Context) (Signer, error) {
	if p.key == nil {
		return nil, ErrNoSigner
	}
	chainID, err := p.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	return &keyedSigner{key: p.key, chainID: chainID}, nil
}

func (p *EthProvider) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := p.rpc.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	return bal, nil
}

// Account returns the address of the configured key, if any.
func (p *EthProvider) Account() (common.Address, bool) {
	if p.key == nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(p.key.PublicKey), true
}

type keyedSigner struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

func (s *keyedSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *keyedSigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = 0 // let node estimate
	return opts, nil
}
