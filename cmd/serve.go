package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	serveListen string
	serveRunJob string
)

// serveCmd runs the scheduler and the HTTP server until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled backups and maintenance with a metrics endpoint",
	Long: `Run the cron scheduler and the HTTP server in the foreground.

Scheduled jobs: daily, weekly and monthly backups, the deduplication dry run,
backup retention and the undo purge. Each job is skipped when the previous run
of the same job or a conflicting operation is still going. The HTTP server
serves /healthz, /metrics and a read-only JSON API under /api/v1.

Examples:
  # Run with the schedules from the config file
  memvault serve

  # Run one job immediately and exit
  memvault serve --run backup_daily`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (default from config)")
	serveCmd.Flags().StringVar(&serveRunJob, "run", "", "run one scheduled job now and exit")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}

	if serveRunJob == "" {
		return a.Serve(serveListen)
	}

	defer a.Close()
	sched, err := a.NewScheduler()
	if err != nil {
		return err
	}
	ctx, stop := commandContext(cmd)
	defer stop()
	result, err := sched.RunNow(ctx, serveRunJob)
	if err != nil {
		return err
	}
	a.Printer.Success(fmt.Sprintf("Job %s finished: %s", serveRunJob, result))
	return nil
}
