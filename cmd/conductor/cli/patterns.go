package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect and manage learned automation patterns",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored patterns",
	Run: func(cmd *cobra.Command, args []string) {
		s := getStore()
		defer s.Close()

		patterns, err := s.ListPatterns()
		if err != nil {
			fmt.Printf("Failed to list patterns: %v\n", err)
			os.Exit(1)
		}
		if len(patterns) == 0 {
			fmt.Println("No patterns stored.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tDOMAIN\tTARGET\tCONFIDENCE\tUSES")
		for _, p := range patterns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%d\n",
				p.ID, p.MessageType, p.Context.Domain, p.Action.Target, p.Confidence, p.UsageCount)
		}
		w.Flush()
	},
}

var patternsDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a stored pattern",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := getStore()
		defer s.Close()

		if err := s.DeletePattern(args[0]); err != nil {
			fmt.Printf("Failed to delete pattern: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Pattern deleted: %s\n", args[0])
	},
}

func init() {
	RootCmd.AddCommand(patternsCmd)
	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsDeleteCmd)
}
