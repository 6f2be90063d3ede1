package cmd

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"trustlance/internal/units"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the wallet balance and network",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		provider, _, closeChain, err := rt.chainDeps(ctx)
		if err != nil {
			return err
		}
		defer closeChain()

		chainID, err := provider.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("read chain id: %w", err)
		}
		signer, err := provider.Signer(ctx)
		if err != nil {
			return err
		}
		balance, err := provider.Balance(ctx, signer.Address())
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Account: %s\n", signer.Address().Hex())
		fmt.Fprintf(out, "Balance: %s %s\n", units.FormatDisplay(balance, 4), units.Symbol)
		if chainID.Cmp(big.NewInt(rt.cfg.Chain.ExpectedChainID)) != 0 {
			fmt.Fprintf(out, "Network: chain id %s, switch to %s (chain id %d)\n",
				chainID, rt.cfg.Chain.NetworkName, rt.cfg.Chain.ExpectedChainID)
		} else {
			fmt.Fprintf(out, "Network: %s (chain id %s)\n", rt.cfg.Chain.NetworkName, chainID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}
