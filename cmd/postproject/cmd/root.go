package cmd

import (
	"context"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trustlance/internal/config"
	"trustlance/internal/escrow"
	"trustlance/internal/logging"
	"trustlance/internal/wallet"
)

// simulatedAccount holds the funds of the in-memory wallet used by --simulate.
var simulatedAccount = common.HexToAddress("0x000000000000000000000000000000000000f00d")

var rootCmd = &cobra.Command{
	Use:   "postproject",
	Short: "Post a job with its budget locked in escrow",
	Long: `postproject locks a job's budget in the escrow contract and records the
job with the persistence endpoint. Locks whose job record could not be saved
are kept in a local reconciliation journal.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("simulate", false, "use an in-memory wallet and escrow contract")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// runtime is what every subcommand is built from.
type runtime struct {
	cfg      *config.AppConfig
	logger   *zap.Logger
	simulate bool
}

func loadRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = cfg.LogLevel
	}
	logger, err := logging.New(cfg.Env, level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	simulate, _ := cmd.Flags().GetBool("simulate")
	return &runtime{cfg: cfg, logger: logger, simulate: simulate}, nil
}

// chainDeps returns the wallet and escrow client plus a close func.
func (rt *runtime) chainDeps(ctx context.Context) (wallet.Provider, escrow.Client, func(), error) {
	if rt.simulate {
		funds, _ := new(big.Int).SetString("1000000000000000000000000", 10)
		rt.logger.Warn("simulation mode, no funds are moved")
		return &wallet.FakeProvider{
			Chain:   big.NewInt(rt.cfg.Chain.ExpectedChainID),
			Account: simulatedAccount,
			Funds:   funds,
		}, &escrow.FakeClient{}, func() {}, nil
	}

	provider, rpc, err := wallet.NewEthProvider(ctx, wallet.EthProviderConfig{
		RPCURL:        rt.cfg.Chain.RPCURL,
		PrivateKeyHex: rt.cfg.Chain.PrivateKey,
	})
	if err != nil {
		return nil, nil, func() {}, err
	}
	client, err := escrow.NewEthClient(rpc, escrow.EthClientConfig{
		ContractAddress: rt.cfg.Chain.EscrowAddress,
		PollInterval:    rt.cfg.Chain.PollInterval,
	})
	if err != nil {
		rpc.Close()
		return nil, nil, func() {}, err
	}
	return provider, client, rpc.Close, nil
}
