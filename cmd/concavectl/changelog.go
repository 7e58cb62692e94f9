package main

import (
	"fmt"

	"github.com/concave/core/internal/changelog"
	"github.com/spf13/cobra"
)

var changelogCmd = &cobra.Command{
	Use:   "changelog",
	Short: "inspect the changelog",
}

var changelogStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print current/min-available sequence numbers",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("changelog-path")
		if path == "" {
			return fmt.Errorf("changelog stats requires --changelog-path pointing at the server's bbolt file")
		}
		retention, _ := cmd.Flags().GetInt("changelog-retention")

		store, err := changelog.NewBoltStore(path, retention)
		if err != nil {
			return fmt.Errorf("open changelog: %w", err)
		}

		cl := changelog.New(store, retention, cliLogger(cmd))
		defer cl.Close()

		fmt.Printf("current seq:       %d\n", cl.CurrentSeq())
		fmt.Printf("min available seq: %d\n", cl.MinAvailableSeq())
		return nil
	},
}

func init() {
	changelogCmd.AddCommand(changelogStatsCmd)
}
