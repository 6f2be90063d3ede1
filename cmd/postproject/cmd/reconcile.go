package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trustlance/internal/escrow"
	"trustlance/internal/jobs"
	"trustlance/internal/reconcile"
)

// receiptProbeTimeout bounds the chain lookup for one unconfirmed entry.
const receiptProbeTimeout = 5 * time.Second

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Inspect and resolve escrow locks without a job record",
}

var reconcileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journal entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, journal, err := openJournal(cmd)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")

		entries, err := journal.List(cmd.Context())
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries, all)
		depth, err := journal.Depth()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d unresolved\n", depth)
		rt.logger.Debug("journal listed", zap.Int("entries", len(entries)), zap.Int("unresolved", depth))
		return nil
	},
}

var reconcileCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Resolve entries whose job was recorded after all",
	Long: `check looks up every unresolved entry by temp id on the persistence
endpoint. Entries with a matching record are marked persisted. Entries whose
lock was never confirmed are looked up on-chain and marked reverted when the
transaction failed. The rest are left for an operator.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, journal, err := openJournal(cmd)
		if err != nil {
			return err
		}
		client, err := jobs.NewClient(jobs.ClientConfig{
			BaseURL:    rt.cfg.Client.APIBaseURL,
			HMACSecret: rt.cfg.Service.HMACSecret,
		})
		if err != nil {
			return err
		}
		var chain receiptWaiter
		_, escrowClient, closeChain, err := rt.chainDeps(cmd.Context())
		if err != nil {
			rt.logger.Warn("chain unavailable, unconfirmed locks stay pending", zap.Error(err))
		} else {
			defer closeChain()
			chain = escrowClient
		}
		resolved, pending, err := checkEntries(cmd.Context(), journal, client, chain)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d resolved, %d still need attention\n", resolved, pending)
		return nil
	},
}

var reconcileAckCmd = &cobra.Command{
	Use:   "ack TEMP_ID",
	Short: "Mark an entry as handled by an operator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, journal, err := openJournal(cmd)
		if err != nil {
			return err
		}
		if err := journal.Resolve(cmd.Context(), args[0], reconcile.ResolutionManual); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s acknowledged\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.AddCommand(reconcileListCmd, reconcileCheckCmd, reconcileAckCmd)
	reconcileListCmd.Flags().Bool("all", false, "include resolved entries")
}

func openJournal(cmd *cobra.Command) (*runtime, *reconcile.FileJournal, error) {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return nil, nil, err
	}
	journal, err := reconcile.NewFileJournal(rt.cfg.Client.JournalPath)
	if err != nil {
		return nil, nil, err
	}
	return rt, journal, nil
}

type recordLookup interface {
	Lookup(ctx context.Context, tempID string) (*jobs.Record, error)
}

type receiptWaiter interface {
	WaitConfirmed(ctx context.Context, txHash common.Hash) (escrow.Receipt, error)
}

// checkEntries resolves every unresolved entry whose temp id has a job record
// for the same transaction, or whose unconfirmed lock reverted. chain may be nil.
func checkEntries(ctx context.Context, journal reconcile.Journal, lookup recordLookup, chain receiptWaiter) (resolved, pending int, err error) {
	entries, err := journal.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if e.Resolved() {
			continue
		}
		rec, err := lookup.Lookup(ctx, e.TempID)
		if err != nil {
			return resolved, pending, fmt.Errorf("lookup %s: %w", e.TempID, err)
		}
		resolution := ""
		switch {
		case rec != nil && rec.Payload.BlockchainTx == e.TxHash:
			resolution = reconcile.ResolutionPersisted
		case e.Unconfirmed && chain != nil && reverted(ctx, chain, e.TxHash):
			resolution = reconcile.ResolutionReverted
		}
		if resolution == "" {
			pending++
			continue
		}
		if err := journal.Resolve(ctx, e.TempID, resolution); err != nil {
			return resolved, pending, err
		}
		resolved++
	}
	return resolved, pending, nil
}

func reverted(ctx context.Context, chain receiptWaiter, txHash string) bool {
	ctx, cancel := context.WithTimeout(ctx, receiptProbeTimeout)
	defer cancel()
	_, err := chain.WaitConfirmed(ctx, common.HexToHash(txHash))
	return errors.Is(err, escrow.ErrReverted)
}

func printEntries(w io.Writer, entries []reconcile.Entry, all bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TEMP ID\tTX HASH\tBUDGET\tRECORDED\tSTATUS")
	for _, e := range entries {
		if e.Resolved() && !all {
			continue
		}
		status := "unresolved"
		switch {
		case e.Resolved():
			status = e.Resolution
		case e.Unconfirmed:
			status = "unconfirmed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.TempID, e.TxHash, e.Budget, e.RecordedAt.Format(time.RFC3339), status)
	}
	_ = tw.Flush()
}
