package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flotillahq/flotilla/pkg/client"
	"github.com/flotillahq/flotilla/pkg/types"
	"github.com/spf13/cobra"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage fleet hosts",
}

var hostAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a host in the fleet inventory",
	Long: `Register a host in the fleet inventory.

Exactly one of --password or --key-path must be given. The host starts
in pending status; run "flotilla host probe" to validate connectivity
and activate it.

Examples:
  flotilla host add web-1 --address 10.0.0.5 --user root --key-path ~/.ssh/id_ed25519 --role odoo-worker
  flotilla host add db-1 --address 10.0.0.6 --user ubuntu --password secret --role postgres --role redis`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		port, _ := cmd.Flags().GetInt("port")
		user, _ := cmd.Flags().GetString("user")
		password, _ := cmd.Flags().GetString("password")
		keyPath, _ := cmd.Flags().GetString("key-path")
		roles, _ := cmd.Flags().GetStringSlice("role")

		kinds := make([]types.ServiceKind, 0, len(roles))
		for _, r := range roles {
			kinds = append(kinds, types.ServiceKind(r))
		}

		host, err := apiClient(cmd).AddHost(cmd.Context(), client.AddHostRequest{
			Name:           args[0],
			Address:        address,
			SSHPort:        port,
			SSHUser:        user,
			Password:       password,
			PrivateKeyPath: keyPath,
			Roles:          kinds,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Host %q registered with id %d (status: %s)\n", host.Name, host.ID, host.Status)
		return nil
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fleet hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts, err := apiClient(cmd).ListHosts(cmd.Context())
		if err != nil {
			return err
		}
		w, flush := table("ID\tNAME\tADDRESS\tSTATUS\tHEALTH\tROLES\tSERVICES")
		defer flush()
		for _, h := range hosts {
			fmt.Fprintf(w, "%d\t%s\t%s:%d\t%s\t%d\t%s\t%s\n",
				h.ID, h.Name, h.Address, h.SSHPort, h.Status, h.HealthScore,
				joinKinds(h.Roles), joinKinds(h.CurrentServices))
		}
		return nil
	},
}

var hostProbeCmd = &cobra.Command{
	Use:   "probe ID",
	Short: "Probe a host over SSH and refresh its facts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		report, err := apiClient(cmd).ProbeHost(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Println(string(report))
		return nil
	},
}

var hostStatusCmd = &cobra.Command{
	Use:   "status ID STATUS",
	Short: "Set a host to active, maintenance, or decommissioned",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		host, err := apiClient(cmd).SetHostStatus(cmd.Context(), id, types.HostStatus(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("Host %q is now %s\n", host.Name, host.Status)
		return nil
	},
}

var hostMetricsCmd = &cobra.Command{
	Use:   "metrics [ID]",
	Short: "Show the latest resource sample for a host, or the fleet aggregate",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		if len(args) == 0 {
			agg, err := c.SystemMetrics(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Fleet averages across %d hosts:\n", agg.Hosts)
			fmt.Printf("  CPU:    %.1f%%\n", agg.AvgCPUPercent)
			fmt.Printf("  Memory: %.1f%%\n", agg.AvgMemPercent)
			fmt.Printf("  Disk:   %.1f%%\n", agg.AvgDiskPercent)
			return nil
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		sample, err := c.HostMetrics(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Host %d at %s:\n", sample.HostID, sample.CollectedAt.Format("15:04:05"))
		fmt.Printf("  CPU:    %.1f%%\n", sample.CPUPercent)
		fmt.Printf("  Memory: %.1f%%\n", sample.MemPercent)
		fmt.Printf("  Disk:   %.1f%%\n", sample.DiskPercent)
		fmt.Printf("  Load:   %.2f\n", sample.LoadAvg1)
		return nil
	},
}

func init() {
	hostCmd.AddCommand(hostAddCmd)
	hostCmd.AddCommand(hostListCmd)
	hostCmd.AddCommand(hostProbeCmd)
	hostCmd.AddCommand(hostStatusCmd)
	hostCmd.AddCommand(hostMetricsCmd)

	hostAddCmd.Flags().String("address", "", "Host IP address or DNS name")
	hostAddCmd.Flags().Int("port", 0, "SSH port (default 22)")
	hostAddCmd.Flags().String("user", "root", "SSH user")
	hostAddCmd.Flags().String("password", "", "SSH password (stored encrypted)")
	hostAddCmd.Flags().String("key-path", "", "Path to SSH private key on the control plane")
	hostAddCmd.Flags().StringSlice("role", nil, "Service role the host may run (repeatable)")
	_ = hostAddCmd.MarkFlagRequired("address")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func joinKinds(kinds []types.ServiceKind) string {
	if len(kinds) == 0 {
		return "-"
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}
