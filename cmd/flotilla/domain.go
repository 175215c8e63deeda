package main

import (
	"fmt"

	"github.com/flotillahq/flotilla/pkg/client"
	"github.com/spf13/cobra"
)

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage domain mappings",
}

var domainAddCmd = &cobra.Command{
	Use:   "add DOMAIN TARGET",
	Short: "Map a domain to a placement or tenant subdomain",
	Long: `Map a domain to a placement or tenant subdomain.

The mapping starts unverified and is excluded from the nginx config
until "flotilla domain verify" confirms DNS and HTTP reachability.

Examples:
  flotilla domain add shop.example.com tenant42
  flotilla domain add shop.example.com tenant42 --tls --cert /etc/ssl/shop.pem --key /etc/ssl/shop.key`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tls, _ := cmd.Flags().GetBool("tls")
		cert, _ := cmd.Flags().GetString("cert")
		key, _ := cmd.Flags().GetString("key")

		d, err := apiClient(cmd).CreateDomain(cmd.Context(), client.CreateDomainRequest{
			Domain:     args[0],
			Target:     args[1],
			TLSEnabled: tls,
			CertPath:   cert,
			KeyPath:    key,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Domain %q mapped to %q (id %d, %s)\n", d.Domain, d.Target, d.ID, d.Verification)
		return nil
	},
}

var domainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List domain mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		domains, err := apiClient(cmd).ListDomains(cmd.Context())
		if err != nil {
			return err
		}
		w, flush := table("ID\tDOMAIN\tTARGET\tTLS\tVERIFICATION")
		defer flush()
		for _, d := range domains {
			tls := "no"
			if d.TLSEnabled {
				tls = "yes"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", d.ID, d.Domain, d.Target, tls, d.Verification)
		}
		return nil
	},
}

var domainVerifyCmd = &cobra.Command{
	Use:   "verify ID ADDRESS",
	Short: "Verify a domain resolves to the proxy address and serves HTTP",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		d, err := apiClient(cmd).VerifyDomain(cmd.Context(), id, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Domain %q is %s\n", d.Domain, d.Verification)
		return nil
	},
}

var domainDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a domain mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := apiClient(cmd).DeleteDomain(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Domain %d deleted\n", id)
		return nil
	},
}

func init() {
	domainCmd.AddCommand(domainAddCmd)
	domainCmd.AddCommand(domainListCmd)
	domainCmd.AddCommand(domainVerifyCmd)
	domainCmd.AddCommand(domainDeleteCmd)

	domainAddCmd.Flags().Bool("tls", false, "Serve the domain over TLS")
	domainAddCmd.Flags().String("cert", "", "Certificate path on the proxy host")
	domainAddCmd.Flags().String("key", "", "Private key path on the proxy host")
}
