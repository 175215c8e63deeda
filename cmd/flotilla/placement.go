package main

import (
	"fmt"

	"github.com/flotillahq/flotilla/pkg/client"
	"github.com/spf13/cobra"
)

var placementCmd = &cobra.Command{
	Use:   "placement",
	Short: "Manage Odoo worker placements",
}

var placementCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a worker placement on the best available host",
	Long: `Create a worker placement on the best available host.

The control plane picks the host unless --host pins one, reserves a
port, and installs the worker asynchronously; use "flotilla deploy
status" to follow the install task.

Examples:
  flotilla placement create tenant42-worker --capacity 10
  flotilla placement create tenant42-worker --host 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		capacity, _ := cmd.Flags().GetInt("capacity")
		hostID, _ := cmd.Flags().GetInt64("host")
		sets, _ := cmd.Flags().GetStringSlice("set")

		cfg, err := parseSets(sets)
		if err != nil {
			return err
		}
		res, err := apiClient(cmd).CreatePlacement(cmd.Context(), client.CreatePlacementRequest{
			Name:     args[0],
			Capacity: capacity,
			HostID:   hostID,
			Config:   cfg,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Placement %q created on host %d port %d (install task %d)\n",
			res.Placement.Name, res.Placement.HostID, res.Placement.Port, res.Task.ID)
		return nil
	},
}

var placementListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worker placements",
	RunE: func(cmd *cobra.Command, args []string) error {
		placements, err := apiClient(cmd).ListPlacements(cmd.Context())
		if err != nil {
			return err
		}
		w, flush := table("ID\tNAME\tHOST\tPORT\tSTATUS\tTENANTS")
		defer flush()
		for _, p := range placements {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%d/%d\n",
				p.ID, p.Name, p.HostID, p.Port, p.Status, p.CurrentTenants, p.Capacity)
		}
		return nil
	},
}

var placementDrainCmd = &cobra.Command{
	Use:   "drain ID",
	Short: "Drain a placement before stopping it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		p, err := apiClient(cmd).DrainPlacement(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Placement %q is %s; it stops when the drain window ends\n", p.Name, p.Status)
		return nil
	},
}

var placementStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a placement immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		p, err := apiClient(cmd).StopPlacement(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Placement %q stopped\n", p.Name)
		return nil
	},
}

func init() {
	placementCmd.AddCommand(placementCreateCmd)
	placementCmd.AddCommand(placementListCmd)
	placementCmd.AddCommand(placementDrainCmd)
	placementCmd.AddCommand(placementStopCmd)

	placementCreateCmd.Flags().Int("capacity", 0, "Tenant capacity (default 20)")
	placementCreateCmd.Flags().Int64("host", 0, "Pin the placement to this host id")
	placementCreateCmd.Flags().StringSlice("set", nil, "Worker configuration key=value (repeatable)")
}
