package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearSessionCmd = &cobra.Command{
	Use:   "clear-session",
	Short: "Clear the persisted session for a profile",
	Long: `Delete the stored session credentials for one profile instance. The profile
itself stays set up; the next unlock requires the password.`,
	RunE: clearSession,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove sessions for profiles that no longer exist",
	Long: `Scan tracked instances and clear stored session credentials for any instance
whose derivation record is gone, e.g. after an interrupted profile deletion.`,
	RunE: cleanupSessions,
}

func init() {
	rootCmd.AddCommand(clearSessionCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func clearSession(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := requireInstance()
	if err != nil {
		return err
	}

	m, err := managerSet.Manager(ctx, id)
	if err != nil {
		return err
	}

	if err = m.ClearPersistedSession(ctx); err != nil {
		return err
	}

	fmt.Printf("Cleared persisted session for instance '%s'\n", id)
	return nil
}

func cleanupSessions(cmd *cobra.Command, args []string) error {
	cleaned, err := managerSet.CleanupOrphanedSessions(cmd.Context())
	if err != nil {
		return err
	}

	if len(cleaned) == 0 {
		fmt.Println("No orphaned sessions found")
		return nil
	}

	for _, id := range cleaned {
		fmt.Printf("Cleared orphaned session for instance '%s'\n", id)
	}
	fmt.Printf("Cleaned %d orphaned session(s)\n", len(cleaned))
	return nil
}
