package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/recurring/am"
	"github.com/teranos/recurring/cmd/recur/commands"
	"github.com/teranos/recurring/logger"
	"github.com/teranos/recurring/sym"
	"github.com/teranos/recurring/version"
)

var rootCmd = &cobra.Command{
	Use:   version.Name,
	Short: "recur - recurring jobs over a durable SQLite queue",
	Long: `recur - recurring jobs over a durable SQLite queue.

Every recurring queue holds one pending record. After each attempt the next
occurrence is enqueued, whether the attempt succeeded or not.

Examples:
  recur am show                          # Show current configuration
  recur job schedule recur.log --interval 1h
  recur job ls                           # List recurring queues
  recur pulse start --workers 2          # Run due jobs until interrupted`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		level := logger.ParseLevel(cfg.Log.Level)
		if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity > 0 {
			level = logger.VerbosityToLevel(verbosity)
		}
		if err := logger.Initialize(cfg.Log.JSON, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.Long += "\n\nAvailable commands:\n" + commandList()
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

// commandList renders one line per glyph-bearing command
func commandList() string {
	names := make([]string, 0, len(sym.CommandDescriptions))
	for name := range sym.CommandDescriptions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "  %s %-6s - %s\n", sym.CommandToSymbol[name], name, sym.CommandDescriptions[name])
	}
	return b.String()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
