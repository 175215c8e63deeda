package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/flotillahq/flotilla/pkg/client"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Flotilla - control plane for multi-tenant Odoo fleets",
	Long: `Flotilla manages a fleet of Linux hosts over SSH: it installs and
verifies the services an Odoo deployment needs, places tenant workers
across the fleet, keeps an nginx front end in sync, and watches host
health around the clock.

All state lives in a single embedded database; the only thing a managed
host needs is a reachable SSH daemon.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Flotilla version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8443", "Control-plane API address")
	rootCmd.PersistentFlags().String("token", os.Getenv("FLOTILLA_AUTH_TOKEN"), "API bearer token")

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(placementCmd)
	rootCmd.AddCommand(domainCmd)
	rootCmd.AddCommand(alertCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(scanCmd)
}

// apiClient builds a client from the persistent --server/--token flags.
func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return client.New(server, token)
}

// table writes aligned columns to stdout; call the returned flush when done.
func table(header string) (*tabwriter.Writer, func()) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	return w, func() { _ = w.Flush() }
}
