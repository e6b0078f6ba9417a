package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tearleads.dev/keyhold/audit"
)

var (
	auditAction   string
	auditFailures bool
	auditSessions bool
	auditLimit    int
	auditSince    time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long:  "Query recorded key lifecycle and session events from the audit log.",
	RunE:  queryAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action name")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "show only failed operations")
	auditCmd.Flags().BoolVar(&auditSessions, "sessions", false, "show only session persist/restore/clear events")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only events newer than this duration (e.g. 24h)")
	rootCmd.AddCommand(auditCmd)
}

func queryAudit(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		InstanceID:    instanceID,
		Action:        auditAction,
		SessionAccess: auditSessions,
		Limit:         auditLimit,
	}
	if auditFailures {
		failed := false
		options.Success = &failed
	}
	if auditSince > 0 {
		since := time.Now().Add(-auditSince)
		options.Since = &since
	}

	result, err := managerSet.QueryAuditLogs(options)
	if err != nil {
		return err
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}

	fmt.Printf("%-20s %-22s %-20s %-8s %s\n", "TIMESTAMP", "ACTION", "INSTANCE", "SUCCESS", "ERROR")
	for _, event := range result.Events {
		errMsg := event.Error
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Printf("%-20s %-22s %-20s %-8t %s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			event.InstanceID,
			event.Success,
			errMsg,
		)
	}

	if result.HasMore {
		fmt.Printf("\nShowing %d of %d events, use --limit to see more\n", len(result.Events), result.TotalCount)
	}
	return nil
}
