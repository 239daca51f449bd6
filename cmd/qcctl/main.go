package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qcctl",
		Short:         "Administer QC batches",
		Long:          "qcctl runs schema migrations and inspects or drives QC batches outside the API server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("api-url", os.Getenv("QCCTL_API_URL"),
		"base URL of a running qc-engine API; batch commands go through it when set")

	root.AddCommand(migrateCmd())
	root.AddCommand(triggerCmd())
	root.AddCommand(sendToQCCmd())
	root.AddCommand(batchCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
