package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trustlance/internal/coordinator"
	"trustlance/internal/jobs"
	"trustlance/internal/reconcile"
	"trustlance/internal/session"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Lock the budget in escrow and post the job",
	Long: `submit reads a job draft, checks the wallet network and balance, locks the
budget in the escrow contract and records the job. If the lock may have gone
through but the job was not saved, or its confirmation was never seen, the
transaction hash and temp id are printed and written to the reconciliation
journal; the same draft is refused until that entry is resolved with
"postproject reconcile".`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringP("draft", "d", "draft.json", "job draft JSON file")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.logger.Sync() }()

	path, _ := cmd.Flags().GetString("draft")
	draft, err := readDraft(path)
	if err != nil {
		return err
	}
	if err := jobs.ValidateDraft(draft); err != nil {
		return fmt.Errorf("draft %s: %w", path, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, escrowClient, closeChain, err := rt.chainDeps(ctx)
	if err != nil {
		return err
	}
	defer closeChain()

	persister, err := jobs.NewClient(jobs.ClientConfig{
		BaseURL:    rt.cfg.Client.APIBaseURL,
		HMACSecret: rt.cfg.Service.HMACSecret,
	})
	if err != nil {
		return err
	}

	journal, err := reconcile.NewFileJournal(rt.cfg.Client.JournalPath)
	if err != nil {
		return err
	}

	guard, closeGuard := rt.sessionGuard()
	defer closeGuard()

	out := cmd.OutOrStdout()
	coord, err := coordinator.New(coordinator.Config{
		ExpectedChainID: big.NewInt(rt.cfg.Chain.ExpectedChainID),
		NetworkName:     rt.cfg.Chain.NetworkName,
		ConfirmTimeout:  rt.cfg.Chain.ConfirmTimeout,
		PersistTimeout:  rt.cfg.Client.PersistTimeout,
	}, coordinator.Deps{
		Wallet:    provider,
		Escrow:    escrowClient,
		Persister: persister,
		Journal:   journal,
		Guard:     guard,
		Logger:    rt.logger,
		OnStage: func(s coordinator.Snapshot) {
			fmt.Fprintf(out, "  %-18s %s\n", s.Stage, s.TemporaryProjectID)
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Posting %q with a budget of %s\n", draft.Title, draft.BudgetAmount)
	id, err := coord.Submit(ctx, draft)
	if err != nil {
		printFailure(cmd, err)
		return err
	}
	fmt.Fprintf(out, "Job posted: %s\n", id)
	return nil
}

func readDraft(path string) (jobs.Draft, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return jobs.Draft{}, fmt.Errorf("read draft: %w", err)
	}
	var d jobs.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return jobs.Draft{}, fmt.Errorf("decode draft: %w", err)
	}
	return d, nil
}

func printFailure(cmd *cobra.Command, err error) {
	out := cmd.ErrOrStderr()
	se, ok := coordinator.AsSubmissionError(err)
	if !ok {
		return
	}
	fmt.Fprintf(out, "Submission failed at %s (%s)\n", se.Stage, se.Kind)
	if se.TransactionHash != "" {
		fmt.Fprintf(out, "  transaction: %s\n", se.TransactionHash)
	}
	if se.TemporaryProjectID != "" {
		fmt.Fprintf(out, "  temp id:     %s\n", se.TemporaryProjectID)
	}
	if se.FundsAtRisk() {
		fmt.Fprintln(out, "  Funds may be held in escrow without a job record. Do not resubmit;")
		fmt.Fprintln(out, "  run \"postproject reconcile check\" or contact support with the details above.")
	}
	if errors.Is(err, coordinator.ErrJournalWrite) {
		fmt.Fprintln(out, "  The reconciliation journal could not be written. Keep a copy of these details.")
	}
}

// sessionGuard shares the per-wallet lease through Redis when configured.
func (rt *runtime) sessionGuard() (session.Guard, func()) {
	if rt.cfg.Redis.Addr == "" {
		return session.NewLocalGuard(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		rt.logger.Warn("redis unavailable, using a local session guard", zap.Error(err))
		_ = client.Close()
		return session.NewLocalGuard(), func() {}
	}
	return session.NewRedisGuard(client), func() { _ = client.Close() }
}
