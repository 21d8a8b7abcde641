package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckConfigCommand(a *app) *cobra.Command {
	var verbose bool
	c := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration valid: %s\n", a.configPath)
			if !verbose {
				return nil
			}
			fmt.Fprintf(out, "Host:          %s\n", cfg.Host)
			fmt.Fprintf(out, "Wrap prefix:   %s\n", cfg.WrapPrefix)
			fmt.Fprintf(out, "IPv6:          %t\n", cfg.UseIPv6)
			fmt.Fprintf(out, "Host state:    %s\n", cfg.HostState)
			fmt.Fprintf(out, "Store:         %s\n", cfg.Store.Path)
			fmt.Fprintf(out, "Networks path: %s\n", cfg.DHCP.NetworksPath)
			fmt.Fprintf(out, "Lease time:    %s\n", cfg.LeaseDuration())
			fmt.Fprintf(out, "Share address: %t\n", cfg.DHCP.ShareAddress)
			return nil
		},
	}
	c.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the effective settings")
	return c
}
