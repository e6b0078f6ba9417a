package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage keyhold configuration",
	Long:  `View the effective configuration or generate a starter config file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the effective configuration from all sources (config file, environment variables, flags).`,
	RunE:  runConfigView,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long:  `Create a configuration file with default values at $HOME/.keyhold.yaml.`,
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("# config file: %s\n", used)
	} else {
		fmt.Println("# no config file in use, showing defaults and environment")
	}
	fmt.Print(string(out))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}
	path := filepath.Join(home, ".keyhold.yaml")

	if _, err = os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	defaults := map[string]interface{}{
		"keyhold": map[string]interface{}{
			"base_path":  ".keyhold",
			"store_type": "",
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"options": map[string]interface{}{
				"file_path": "audit.log",
			},
			"log_level": "info",
		},
	}

	out, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to render defaults: %w", err)
	}
	if err = os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	return nil
}
