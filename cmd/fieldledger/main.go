package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fieldledger: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fieldledger",
		Short: "FieldLedger admin CLI",
		Long: `fieldledger inspects and repairs the durable report queue, applies database
migrations, checks the whitelist and runs drains by hand. Settings come from the
same environment variables (or .env file) the bot uses.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newQueueCmd(),
		newWhitelistCmd(),
		newDrainCmd(),
	)
	return cmd
}
