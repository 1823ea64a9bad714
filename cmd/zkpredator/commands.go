package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"zkpredator/internal/app"
	"zkpredator/internal/budget"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// rootOptions 是所有子命令共享的参数。
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "zkpredator",
		Short:         "Paid-analysis trading agent with encrypted execution intents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file path (default $ZKP_CONFIG or configs/config.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRoundCommand(opts))
	cmd.AddCommand(newLedgerCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and the mock analyst network when enabled)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, closer, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	return a.Run(cmd.Context())
}

type roundOptions struct {
	*rootOptions
	Symbol    string
	ForceDemo bool
}

func newRoundCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &roundOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "round [symbol]",
		Short: "Run a single decision round and print the outcome as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Symbol = args[0]
			}
			return runRound(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.ForceDemo, "force-demo", false, "use the fallback confidence instead of the configured screener")
	return cmd
}

func runRound(cmd *cobra.Command, opts *roundOptions) error {
	cfg, closer, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	defer a.Close()
	out, runErr := a.RunRound(cmd.Context(), opts.Symbol, opts.ForceDemo)
	if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	return runErr
}

type ledgerOptions struct {
	*rootOptions
	All  bool
	JSON bool
}

func newLedgerCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &ledgerOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Print the spend ledger summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			ceiling, err := decimal.NewFromString(strings.TrimSpace(cfg.Budget.Ceiling))
			if err != nil {
				return fmt.Errorf("budget.ceiling 无效: %w", err)
			}
			ledger, err := budget.Open(budget.Options{
				Path:       cfg.Budget.LedgerPath,
				Ceiling:    ceiling,
				RecentSize: cfg.Budget.RecentSize,
			})
			if err != nil {
				return err
			}
			return printLedger(cmd.OutOrStdout(), ledger, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.All, "all", false, "list every purchase instead of the recent ones")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print as JSON")
	return cmd
}

func printLedger(w io.Writer, ledger *budget.Ledger, opts *ledgerOptions) error {
	sum := ledger.Summary()
	purchases := sum.RecentPurchases
	if opts.All {
		purchases = ledger.Expenses()
	}
	if opts.JSON {
		return writeJSON(w, map[string]any{
			"total_spend":    sum.TotalSpend,
			"purchase_count": sum.PurchaseCount,
			"ceiling":        ledger.Ceiling(),
			"purchases":      purchases,
		})
	}
	fmt.Fprintf(w, "Total spend: $%s / $%s (%d purchases)\n", sum.TotalSpend.StringFixed(2), ledger.Ceiling().StringFixed(2), sum.PurchaseCount)
	for _, e := range purchases {
		fmt.Fprintf(w, "  %s  %-22s $%s  tx=%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Resource, e.Amount.StringFixed(2), e.TransactionID)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
