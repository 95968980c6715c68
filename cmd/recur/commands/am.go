package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/recurring/am"
	"github.com/teranos/recurring/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.Decorate("am", "Show and validate recur configuration"),
	Long: sym.AM + ` am - Show and validate recur configuration

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/recur/config.toml)
3. User config (~/.recur/config.toml)
4. Project config (./recur.toml, searched upwards)
5. Environment variables (RECUR_* prefix)

Examples:
  recur am show                    # Show current configuration
  recur am show --format json      # Show configuration as JSON
  recur am get pulse.workers       # Get one value
  recur am validate                # Validate current configuration
  recur am set pulse.workers 4     # Write a value to ./recur.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration value to a config file",
	Long: `Write a configuration value to a config file (default ./recur.toml).

The previous file is kept as .back1 (rotating up to .back3). A running
'recur pulse start' picks up pulse.* changes without restarting.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var (
	configFormat string
	configFile   string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	amSetCmd.Flags().StringVar(&configFile, "file", am.ProjectConfigName, "Config file to write")

	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amSetCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Fprintln(out, string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Fprintf(out, "# recur configuration\n%s", string(data))

	case "toml":
		data, err := am.MarshalTOML(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Fprintf(out, "# recur configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	if files := am.LoadedFiles(); len(files) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "# loaded from: %v\n", files)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := am.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], parseOptionValue(args[1])

	if err := am.SetValue(configFile, key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	// Validate what the loader now sees
	am.Reset()
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: configuration is now invalid: %v\n", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s = %v (%s)\n", key, value, configFile)
	return nil
}
