package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var precacheCmd = &cobra.Command{
	Use:   "precache",
	Short: "Fetch the precache manifest into storage",
	Long: `Fetch every manifest entry whose revision changed into the precache
partition of the configured version, then remove entries no longer listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		manifest := engine.Config().Precache.Manifest
		report, err := engine.Precache().Sync(cmd.Context(), manifest)
		if err != nil {
			return err
		}
		removed, err := engine.Precache().Cleanup(cmd.Context(), manifest)
		if err != nil {
			return err
		}
		fmt.Printf("added %d, updated %d, skipped %d, failed %d, removed %d\n",
			len(report.Added), len(report.Updated), len(report.Skipped), len(report.Failed), removed)
		for _, f := range report.Failed {
			fmt.Printf("  %s: %v\n", f.URL, f.Err)
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d precache entries failed", len(report.Failed))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(precacheCmd)
}
