// cmd/nugettrust/commands/config.go
package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nugettrust/cmd/nugettrust/config"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/output"
	"github.com/willibrandon/nugettrust/packaging/signatures"
)

// ErrConfigKeyNotFound is returned by "config get" for an unset key.
var ErrConfigKeyNotFound = errors.New("config key not found")

// NewConfigCommand creates the config command with get/set/unset/path subcommands
func NewConfigCommand(console *output.Console) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage signature validation settings",
		Long: `Gets, sets or unsets the signature validation values of the config section
of NuGet.Config.

Examples:
  nugettrust config get signatureValidationMode
  nugettrust config set signatureValidationMode require
  nugettrust config unset signatureValidationMode
  nugettrust config path`,
	}

	cmd.AddCommand(newConfigGetCommand(console))
	cmd.AddCommand(newConfigSetCommand(console))
	cmd.AddCommand(newConfigUnsetCommand(console))
	cmd.AddCommand(newConfigPathCommand(console))
	return cmd
}

func newConfigGetCommand(console *output.Console) *cobra.Command {
	var showPath bool
	cmd := &cobra.Command{
		Use:   "get <config-key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfigKey(args[0]); err != nil {
				return err
			}
			cfg, path, err := loadTrustConfig()
			if err != nil {
				return err
			}
			value := cfg.GetConfigValue(args[0])
			if value == "" {
				return fmt.Errorf("%w: %s", ErrConfigKeyNotFound, args[0])
			}
			if showPath {
				console.Printf("%s\tfile: %s\n", value, path)
			} else {
				console.Println(value)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPath, "show-path", false, "Also print the config file holding the value")
	return cmd
}

func newConfigSetCommand(console *output.Console) *cobra.Command {
	return &cobra.Command{
		Use:   "set <config-key> <config-value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := validateConfigKey(key); err != nil {
				return err
			}
			if strings.EqualFold(key, config.KeySignatureValidationMode) {
				value = strings.ToLower(value)
				if value != "accept" && value != "require" {
					return fmt.Errorf("%w: %s must be accept or require", signatures.ErrArgumentInvalid, key)
				}
			}

			cfg, path, err := loadTrustConfig()
			if err != nil {
				return err
			}
			cfg.SetConfigValue(key, value)
			if err := config.SaveNuGetConfig(path, cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			console.Success("Successfully updated config file at '%s'.", path)
			return nil
		},
	}
}

func newConfigUnsetCommand(console *output.Console) *cobra.Command {
	return &cobra.Command{
		Use:   "unset <config-key>",
		Short: "Remove a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfigKey(args[0]); err != nil {
				return err
			}
			cfg, path, err := loadTrustConfig()
			if err != nil {
				return err
			}
			if !cfg.DeleteConfigValue(args[0]) {
				console.Info("'%s' is not set in %s.", args[0], path)
				return nil
			}
			if err := config.SaveNuGetConfig(path, cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			console.Success("Successfully updated config file at '%s'.", path)
			return nil
		},
	}
}

func newConfigPathCommand(console *output.Console) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Display the NuGet.Config file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := loadTrustConfig()
			if err != nil {
				return err
			}
			console.Println(path)
			return nil
		},
	}
}

// validateConfigKey accepts the config section keys that affect verification.
func validateConfigKey(key string) error {
	if strings.EqualFold(key, config.KeySignatureValidationMode) {
		return nil
	}
	return fmt.Errorf("'%s' is not a supported config key (supported: %s)", key, config.KeySignatureValidationMode)
}
