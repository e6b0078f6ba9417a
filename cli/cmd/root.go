package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tearleads.dev/keyhold"
	"tearleads.dev/keyhold/audit"
	"tearleads.dev/keyhold/securestore"
)

var (
	cfgFile    string
	basePath   string
	instanceID string
	managerSet *keyhold.ManagerSet
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keyhold",
	Short: "Inspect and maintain per-profile key protection state",
	Long: `Keyhold protects a local per-profile database encryption key. It derives the
key from a password, confirms it against a stored check value, and can keep a
wrapped copy in platform secure storage so a profile survives restarts without
a password re-entry.

This tool inspects and maintains that state: listing known profiles, clearing
persisted sessions, forgetting profiles, and cleaning up sessions whose
profile no longer exists.`,
	PersistentPreRunE: initializeManagerSet,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if managerSet != nil {
			return managerSet.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keyhold.yaml)")
	rootCmd.PersistentFlags().StringVarP(&basePath, "base-path", "p", "", "path to key protection state")
	rootCmd.PersistentFlags().StringVarP(&instanceID, "instance", "i", "", "profile instance identifier")
	rootCmd.PersistentFlags().String("store-type", "", "secure storage variant (native, embedded; default probes the platform)")

	bindFlagOrPanic("keyhold.base_path", "base-path")
	bindFlagOrPanic("keyhold.instance", "instance")
	bindFlagOrPanic("keyhold.store_type", "store-type")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
}

func bindFlagOrPanic(configKey, flagName string) {
	bindOrPanic(configKey, rootCmd.PersistentFlags().Lookup(flagName))
}

func bindOrPanic(configKey string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("no flag bound for config key %s", configKey))
	}
	if err := viper.BindPFlag(configKey, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag for %s: %v", configKey, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keyhold")
	}

	viper.SetEnvPrefix("KEYHOLD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("keyhold.base_path", ".keyhold")
	viper.SetDefault("keyhold.store_type", "")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.options.file_path", "audit.log")
	viper.SetDefault("audit.log_level", "info")
}

func initializeManagerSet(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}
	if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	basePath = viper.GetString("keyhold.base_path")
	instanceID = viper.GetString("keyhold.instance")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(basePath, "audit.log"))
	}

	options := keyhold.DefaultOptions(basePath)
	options.SecureStoreType = securestore.ProviderType(viper.GetString("keyhold.store_type"))
	options.AuditConfig = &audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	}

	set, err := keyhold.NewManagerSet(options)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	managerSet = set
	return nil
}

// requireInstance resolves the --instance flag for commands that act on one
// profile.
func requireInstance() (string, error) {
	if instanceID == "" {
		return "", fmt.Errorf("instance identifier is required. Use the --instance flag")
	}
	return instanceID, nil
}
