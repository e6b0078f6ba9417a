package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var forgetForce bool

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Forget a profile entirely",
	Long: `Remove everything keyhold holds for one profile instance: derivation record,
key confirmation value, persisted session, and tracker registration. The
profile's database itself is not touched, but without the derivation record
its key can never be re-derived. This cannot be undone.`,
	RunE: forgetInstance,
}

func init() {
	forgetCmd.Flags().BoolVarP(&forgetForce, "force", "f", false, "skip confirmation prompt")
	rootCmd.AddCommand(forgetCmd)
}

func forgetInstance(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := requireInstance()
	if err != nil {
		return err
	}

	if !forgetForce {
		fmt.Printf("This permanently removes all key protection state for instance '%s'.\n", id)
		fmt.Print("Type the instance identifier to confirm: ")

		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(line) != id {
			return fmt.Errorf("confirmation did not match, aborting")
		}
	}

	m, err := managerSet.Manager(ctx, id)
	if err != nil {
		return err
	}

	if err = m.Reset(ctx); err != nil {
		return err
	}

	fmt.Printf("Forgot instance '%s'\n", id)
	return nil
}
