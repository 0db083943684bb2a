// Command switchgate is the operator CLI for switchgate. It evaluates and
// validates flag files locally and administers API keys in PostgreSQL.
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

	if err := newRootCommand(openPostgresKeyStore).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(openKeys keyStoreOpener) *cobra.Command {
	root := &cobra.Command{
		Use:           "switchgate",
		Short:         "Evaluate flag files and manage switchgate API keys",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newEvalCommand(),
		newValidateCommand(),
		newHashKeyCommand(),
		newKeysCommand(openKeys),
	)
	return root
}
