package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the delayed rule queue consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if a.cfg.Queue.Backend == "local" {
			return fmt.Errorf("the local queue only exists inside serve; use queue.backend=redis for a separate worker")
		}
		return a.newWorker().Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
