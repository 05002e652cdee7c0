package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/always-cache/fetchcache"

	"github.com/spf13/cobra"
)

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Inspect and reset cache partitions",
}

var partitionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored partitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		infos, err := engine.Partitions(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPURPOSE\tVERSION\tENTRIES")
		for _, p := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.Name, p.Purpose, p.Version, p.Entries)
		}
		return w.Flush()
	},
}

var partitionsResetCmd = &cobra.Command{
	Use:   "reset <partition>...",
	Short: "Delete every entry of the given partitions",
	Long: `Delete every entry of the given partitions. A name without version
token refers to the partition of the configured version.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		for _, name := range args {
			cmdMsg := fetchcache.Command{Type: fetchcache.CommandResetPartition, Partition: name}
			if err := engine.HandleCommand(cmd.Context(), cmdMsg); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	partitionsCmd.AddCommand(partitionsListCmd, partitionsResetCmd)
	rootCmd.AddCommand(partitionsCmd)
}
