package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List known profile instances",
	Long: `List profile instances with derivation records, marking which ones currently
have a persisted session in secure storage.`,
	RunE: listInstances,
}

func init() {
	rootCmd.AddCommand(instancesCmd)
}

func listInstances(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	instances, err := managerSet.ListInstances()
	if err != nil {
		return err
	}

	if len(instances) == 0 {
		fmt.Println("No profile instances found")
		return nil
	}

	tracked := make(map[string]bool)
	for _, id := range managerSet.ListTrackedSessions(ctx) {
		tracked[id] = true
	}

	fmt.Printf("%-40s %s\n", "INSTANCE", "SESSION")
	for _, id := range instances {
		session := "-"
		if tracked[id] {
			session = "persisted"
		}
		fmt.Printf("%-40s %s\n", id, session)
	}

	return nil
}
