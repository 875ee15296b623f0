package main

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/fetcher"
	"github.com/opencouncil/spendsync/internal/model"
)

var importCSVPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import organizations from a CSV file",
	Long:  "Reads a CSV with a header row containing a name column and an optional kind column, and inserts new organizations. Existing names are skipped.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := os.Open(importCSVPath)
		if err != nil {
			return eris.Wrapf(err, "open csv %s", importCSVPath)
		}
		defer f.Close()

		header, rows, err := fetcher.ReadCSV(f)
		if err != nil {
			return eris.Wrapf(err, "read csv %s", importCSVPath)
		}

		nameCol, kindCol := -1, -1
		for i, h := range header {
			switch strings.ToLower(strings.TrimSpace(h)) {
			case "name":
				nameCol = i
			case "kind":
				kindCol = i
			}
		}
		if nameCol < 0 {
			return eris.Errorf("csv %s has no name column", importCSVPath)
		}

		orgs := make([]model.Org, 0, len(rows))
		for _, row := range rows {
			if nameCol >= len(row) {
				continue
			}
			name := strings.TrimSpace(row[nameCol])
			if name == "" {
				continue
			}
			org := model.Org{Name: name}
			if kindCol >= 0 && kindCol < len(row) {
				org.Kind = strings.TrimSpace(row[kindCol])
			}
			orgs = append(orgs, org)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		inserted, err := st.ImportOrgs(ctx, orgs)
		if err != nil {
			return eris.Wrap(err, "import orgs")
		}

		zap.L().Info("import complete",
			zap.Int("rows", len(orgs)),
			zap.Int("inserted", inserted),
			zap.Int("skipped", len(orgs)-inserted),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}
