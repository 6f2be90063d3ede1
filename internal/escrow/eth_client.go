package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"trustlance/internal/contracts"
	"trustlance/internal/wallet"
)

const defaultPollInterval = 2 * time.Second

// Backend is the node surface the escrow client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type transactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

type receiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient submits lockFunds transactions to the deployed escrow contract.
type EthClient struct {
	contract     transactor
	receipts     receiptSource
	address      common.Address
	pollInterval time.Duration
}

type EthClientConfig struct {
	ContractAddress string
	PollInterval    time.Duration
}

func NewEthClient(backend Backend, cfg EthClientConfig) (*EthClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("rpc backend is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("escrow contract address is required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.EscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	bound := bind.NewBoundContract(address, parsedABI, backend, backend, backend)

	return newEthClient(bound, backend, address, cfg.PollInterval), nil
}

func newEthClient(contract transactor, receipts receiptSource, address common.Address, poll time.Duration) *EthClient {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &EthClient{
		contract:     contract,
		receipts:     receipts,
		address:      address,
		pollInterval: poll,
	}
}

func (c *EthClient) LockFunds(ctx context.Context, signer wallet.Signer, projectID string, value *big.Int) (common.Hash, error) {
	if signer == nil {
		return common.Hash{}, fmt.Errorf("signer is required")
	}
	if strings.TrimSpace(projectID) == "" {
		return common.Hash{}, fmt.Errorf("project id is required")
	}
	if value == nil || value.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("lock value must be positive")
	}

	opts, err := signer.TransactOpts(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	opts.Context = ctx
	opts.Value = new(big.Int).Set(value)

	tx, err := c.contract.Transact(opts, contracts.LockFundsMethod, projectID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("lock funds tx: %w", err)
	}
	return tx.Hash(), nil
}

// WaitConfirmed polls until the transaction is mined or ctx is done. Receipt
// lookup errors are retried; the last one is reported with the ctx error.
func (c *EthClient) WaitConfirmed(ctx context.Context, txHash common.Hash) (Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.receipts.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			out := Receipt{
				TxHash:  txHash,
				GasUsed: receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return out, fmt.Errorf("%w: %s", ErrReverted, txHash.Hex())
			}
			return out, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return Receipt{}, fmt.Errorf("%w (last receipt error: %v)", ctx.Err(), lastErr)
			}
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	_, err := c.receipts.BlockNumber(ctx)
	return err
}
