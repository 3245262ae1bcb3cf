package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// knownConfigKeys enumerates the settings the configuration table accepts,
// keyed to the component that reads them. Unknown keys are rejected so a
// typo never persists silently.
var knownConfigKeys = map[string]string{
	"server.url": "Base URL the send command posts automation messages to",
}

func validConfigKey(key string) bool {
	_, ok := knownConfigKeys[key]
	return ok
}

// configKeyHelp renders the known keys for command help, sorted for stable
// output.
func configKeyHelp() string {
	keys := make([]string, 0, len(knownConfigKeys))
	for k := range knownConfigKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %s\t%s\n", k, knownConfigKeys[k])
	}
	return sb.String()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage persisted conductor settings",
	Long: `Get and set conductor settings stored alongside the pattern database.

Known keys:
` + configKeyHelp(),
}

var configSetCmd = &cobra.Command{
	Use:     "set [key] [value]",
	Short:   "Set a configuration value",
	Example: `  conductor config set server.url http://127.0.0.1:3000`,
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		value := args[1]

		if !validConfigKey(key) {
			fmt.Printf("Unknown configuration key %q. Known keys:\n%s", key, configKeyHelp())
			os.Exit(1)
		}

		s := getStore()
		defer s.Close()

		if err := s.SetConfig(key, value); err != nil {
			fmt.Printf("Failed to set config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved: %s\n", key)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]

		if !validConfigKey(key) {
			fmt.Printf("Unknown configuration key %q. Known keys:\n%s", key, configKeyHelp())
			os.Exit(1)
		}

		s := getStore()
		defer s.Close()

		val, err := s.GetConfig(key)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if val == "" {
			fmt.Println("(not set)")
		} else {
			fmt.Println(val)
		}
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known keys and their current values",
	Run: func(cmd *cobra.Command, args []string) {
		s := getStore()
		defer s.Close()

		keys := make([]string, 0, len(knownConfigKeys))
		for k := range knownConfigKeys {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE\tDESCRIPTION")
		for _, k := range keys {
			val, err := s.GetConfig(k)
			if err != nil {
				val = fmt.Sprintf("(error: %v)", err)
			} else if val == "" {
				val = "(not set)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", k, val, knownConfigKeys[k])
		}
		w.Flush()
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
}
