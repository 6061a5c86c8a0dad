package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinymesh/client"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

var (
	hostAddr string
	timeout  time.Duration
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "meshctl",
		Short:         "tinymesh host control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&hostAddr, "host", "u", "127.0.0.1:9800", "address of the host request socket")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout of every request")

	rootCmd.AddCommand(
		newLocksCommand(),
		newUnlockCommand(),
		newCommitCommand(),
		newRollbackCommand(),
		newInvokeCommand(),
		newHealthCommand(),
	)
	return rootCmd
}

func newClient() *client.Client {
	return client.New(hostAddr, client.WithTimeout(timeout))
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func newLocksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "list the locked keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := newClient().GetAllLockedKeys(context.Background())
			if err != nil {
				return err
			}
			return printJSON(cmd, keys)
		},
	}
}

func newUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <key>",
		Short: "release a key whoever holds it",
		Long:  "Release a key whoever holds it. The holding transaction is not told, use it only to recover a stuck key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			released, err := newClient().UnlockAnyway(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, &protocol.UnlockKeyResult{Released: released})
		},
	}
}

func newCommitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <txn>",
		Short: "commit a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := newClient().Commit(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, &protocol.FinalizeResult{TxnID: args[0], Found: found})
		},
	}
}

func newRollbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <txn>",
		Short: "roll back a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := newClient().Rollback(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, &protocol.FinalizeResult{TxnID: args[0], Found: found})
		},
	}
}

func newInvokeCommand() *cobra.Command {
	var (
		txnID       string
		lockKeys    []string
		lockTimeout time.Duration
	)
	m := &cobra.Command{
		Use:   "invoke <service> <method> [param...]",
		Short: "call a service method, every param is a JSON value",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.InvokeRequest{
				Service:       args[0],
				Method:        args[1],
				LockKeys:      lockKeys,
				LockTimeoutMs: lockTimeout.Nanoseconds() / int64(time.Millisecond),
			}
			for _, param := range args[2:] {
				if !json.Valid([]byte(param)) {
					return errors.Errorf("parameter %s is not valid JSON", param)
				}
				req.Parameters = append(req.Parameters, json.RawMessage(param))
			}
			var result json.RawMessage
			if err := newClient().Invoke(context.Background(), txnID, req, &result); err != nil {
				return err
			}
			if len(result) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "null")
				return nil
			}
			return printJSON(cmd, result)
		},
	}
	m.Flags().StringVar(&txnID, "txn", "", "transaction id of the call")
	m.Flags().StringSliceVar(&lockKeys, "lock", nil, "keys to lock for the transaction before the call")
	m.Flags().DurationVar(&lockTimeout, "lock-timeout", 0, "how long to wait for each key, 0 uses the host default")
	return m
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "show the host status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().HealthCheck(context.Background())
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
}
