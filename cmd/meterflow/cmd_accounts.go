package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage prepaid token accounts",
}

var (
	creditNote string
)

var creditCmd = &cobra.Command{
	Use:   "credit <account-id> <amount>",
	Short: "Add tokens to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var amount int64
		if _, err := fmt.Sscan(args[1], &amount); err != nil {
			return fmt.Errorf("invalid amount %q", args[1])
		}
		res, err := newClient().Credit(context.Background(), args[0], amount, creditNote)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(res)
			return nil
		}
		fmt.Printf("Credited %d to %s (balance: %d)\n", amount, args[0], res.BalanceAfter)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <account-id>",
	Short: "Show an account's token balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bal, err := newClient().Balance(context.Background(), args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(map[string]interface{}{"account_id": args[0], "balance": bal})
			return nil
		}
		fmt.Printf("%s: %d\n", args[0], bal)
		return nil
	},
}

var entriesLimit int

var entriesCmd = &cobra.Command{
	Use:   "entries <account-id>",
	Short: "List an account's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := newClient().Entries(context.Background(), args[0], entriesLimit)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(entries)
			return nil
		}
		if len(entries) == 0 {
			fmt.Println("No entries")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-10s  %+d  balance=%d\n", e.ID, e.Reason, e.Delta, e.BalanceAfter)
		}
		return nil
	},
}

func init() {
	creditCmd.Flags().StringVar(&creditNote, "note", "", "Note recorded on the adjustment entry")
	entriesCmd.Flags().IntVar(&entriesLimit, "limit", 50, "Max entries to return")

	addClientFlags(creditCmd, balanceCmd, entriesCmd)
	accountsCmd.AddCommand(creditCmd, balanceCmd, entriesCmd)
	rootCmd.AddCommand(accountsCmd)
}
