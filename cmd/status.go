package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/model"
)

// statusReport is the JSON shape shared by the status command and the
// control server's status endpoint.
type statusReport struct {
	Orgs int         `json:"orgs"`
	Jobs []model.Job `json:"jobs"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show organization count and per-stage job state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		count, err := st.CountOrgs(ctx)
		if err != nil {
			return eris.Wrap(err, "count orgs")
		}
		jobs, err := st.ListJobs(ctx)
		if err != nil {
			return eris.Wrap(err, "list jobs")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statusReport{Orgs: count, Jobs: jobs})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <pipeline> <stage>",
	Short: "Reset a stage's cursor and counters so its next run starts over",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ResetJob(ctx, args[0], args[1]); err != nil {
			return eris.Wrapf(err, "reset job %s/%s", args[0], args[1])
		}

		zap.L().Info("job reset", zap.String("pipeline", args[0]), zap.String("stage", args[1]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}
