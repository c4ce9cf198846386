package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/okx/surge/bench"
	"github.com/okx/surge/ledger"
	"github.com/okx/surge/utils"
)

const (
	FlagConfigFile = "config-file"
	FlagKeysFile   = "keys"
)

var (
	configPath string
	keysPath   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "surge",
		Short: "Concurrent native transfer load generator for EVM chains",
		Long: `A command-line tool that funds a set of generated worker accounts, drives
concurrent native transfers from every worker and sweeps the funds back.

Every option can be set in the config file, through SURGE_* environment
variables or with flags; flags win over environment, environment over file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, FlagConfigFile, "f", "", "Path to a JSON, YAML or TOML configuration file")
	utils.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		runCmd(),
		collectCmd(),
		balanceCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error("Command failed", "err", err, "fatal", ledger.IsFatal(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads and validates the configuration, then dials the node
func setup(cmd *cobra.Command) (*utils.Config, *utils.EthClient, log.Logger, error) {
	v, err := utils.NewViper(cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := utils.LoadConfig(v, configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := utils.NewLogger(os.Stdout, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	client, err := utils.NewEthClient(cmd.Context(), cfg.RpcURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.ReceiptTimeout > 0 {
		client.ReceiptTimeout = cfg.ReceiptTimeout
	}
	return cfg, client, logger, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fund workers, run the transfer load and collect the funds back",
		Long: `Run the full load lifecycle:
  1. generate numWallets worker accounts
  2. split the funding balance across them (0.01 ETH per worker is kept for fees)
  3. send transactionsPerWallet transfers from every worker, intervalMs apart
  4. sweep every worker back to the funding account

The first SIGINT/SIGTERM stops the load after the in-flight transfers, a
second one aborts them. Collection always runs.

Example:
  surge run -f ./config.json --num-wallets 50 --interval-ms 200`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			runner := bench.NewRunner(cfg, client, logger)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go utils.WaitSignal(ctx, func(sig os.Signal, first bool) {
				if first {
					logger.Warn("Received signal, stopping", "signal", sig)
					runner.Stop()
					return
				}
				logger.Warn("Received signal, aborting", "signal", sig)
				runner.Abort()
			})

			report, err := runner.Run(ctx)
			if report != nil {
				bench.PrintReport(os.Stdout, report)
			}
			return err
		},
	}
}

func collectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Sweep previously saved worker keys back to the funding account",
		Long: `Sweep the balances of the worker keys in a keys file (one hex private key
per line, as written by run with --accounts-file) back to the funding account.

Example:
  surge collect -f ./config.json -k ./workers.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keysPath == "" {
				return errors.New("keys file (-k) is required")
			}
			keys, err := utils.ReadDataFromFile(keysPath)
			if err != nil {
				return err
			}
			cfg, client, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := bench.CollectFromKeys(cmd.Context(), cfg, client, keys, logger)
			if res != nil {
				bench.PrintReport(os.Stdout, &bench.Report{RunID: "collect", Collection: res})
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&keysPath, FlagKeysFile, "k", "", "File with one worker private key per line")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the funding account's balance and pending nonce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := bench.FundingState(cmd.Context(), cfg, client)
			if err != nil {
				return err
			}
			fmt.Printf("Address: %s\nBalance: %s (%s wei)\nNonce:   %d\n",
				st.Address, utils.FormatEther(st.Balance), st.Balance, st.Nonce)
			return nil
		},
	}
}
