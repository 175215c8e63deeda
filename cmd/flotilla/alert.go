package main

import (
	"fmt"
	"time"

	"github.com/flotillahq/flotilla/pkg/types"
	"github.com/spf13/cobra"
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Inspect and manage alerts",
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		alerts, err := apiClient(cmd).ListAlerts(cmd.Context())
		if err != nil {
			return err
		}
		w, flush := table("ID\tKIND\tSEVERITY\tHOST\tPLACEMENT\tSTATUS\tLAST SEEN")
		defer flush()
		for _, a := range alerts {
			if !all && a.Status == types.AlertResolved {
				continue
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
				a.ID, a.Kind, a.Severity, a.HostID, orDash(a.Placement), a.Status,
				a.LastOccurrence.Format(time.RFC3339))
		}
		return nil
	},
}

var alertAckCmd = &cobra.Command{
	Use:   "ack ID",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := apiClient(cmd).AckAlert(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Alert %d acknowledged (%s)\n", a.ID, a.Kind)
		return nil
	},
}

var alertResolveCmd = &cobra.Command{
	Use:   "resolve ID",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		note, _ := cmd.Flags().GetString("note")
		a, err := apiClient(cmd).ResolveAlert(cmd.Context(), id, note)
		if err != nil {
			return err
		}
		fmt.Printf("Alert %d resolved (%s)\n", a.ID, a.Kind)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent operator actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := apiClient(cmd).ListAudit(cmd.Context(), limit)
		if err != nil {
			return err
		}
		w, flush := table("TIME\tACTOR\tACTION\tDETAIL")
		defer flush()
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, orDash(e.Detail))
		}
		return nil
	},
}

func init() {
	alertCmd.AddCommand(alertListCmd)
	alertCmd.AddCommand(alertAckCmd)
	alertCmd.AddCommand(alertResolveCmd)

	alertListCmd.Flags().Bool("all", false, "Include resolved alerts")
	alertResolveCmd.Flags().String("note", "", "Resolution note")
	auditCmd.Flags().Int("limit", 50, "Maximum entries to show")
}
