package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show key protection status",
	Long:  "Display the active secure storage variant, biometric availability, and per-profile state.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fmt.Println("Keyhold Status")
	fmt.Println("==============")
	fmt.Printf("Base Path: %s\n", basePath)
	fmt.Printf("Store Type: %s\n", storeTypeLabel())

	availability := managerSet.BiometricAvailability(ctx)
	if availability.Available {
		fmt.Printf("Biometric: available (%s)\n", availability.BiometryType)
	} else if availability.Transient {
		fmt.Println("Biometric: unavailable (probe failed, possibly transient)")
	} else {
		fmt.Println("Biometric: unavailable")
	}

	instances, err := managerSet.ListInstances()
	if err != nil {
		fmt.Printf("Profiles: ERROR - %v\n", err)
	} else {
		fmt.Printf("Profiles: %d\n", len(instances))
	}

	tracked := managerSet.ListTrackedSessions(ctx)
	fmt.Printf("Tracked Sessions: %d\n", len(tracked))

	if instanceID != "" {
		fmt.Println()
		fmt.Printf("Instance: %s\n", instanceID)

		m, err := managerSet.Manager(ctx, instanceID)
		if err != nil {
			return err
		}

		exists, err := m.HasExistingKey(ctx)
		if err != nil {
			fmt.Printf("Set Up: ERROR - %v\n", err)
		} else {
			fmt.Printf("Set Up: %t\n", exists)
		}

		has, err := m.HasPersistedSession(ctx)
		if err != nil {
			fmt.Printf("Persisted Session: ERROR - %v\n", err)
		} else {
			fmt.Printf("Persisted Session: %t\n", has)
		}
	}

	return nil
}

func storeTypeLabel() string {
	if t := viper.GetString("keyhold.store_type"); t != "" {
		return t
	}
	return "auto"
}
