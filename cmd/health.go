package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/health"
	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/network"
)

func newHealthCommand(a *app) *cobra.Command {
	var (
		file   string
		asJSON bool
	)
	c := &cobra.Command{
		Use:   "health",
		Short: "Check that the host can be converged and that it has been",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := a.loadHostState(file)
			if err != nil {
				return err
			}
			s, err := a.build(a.executor())
			if err != nil {
				return err
			}
			defer s.Close()

			commands := []string{"iptables-save", "iptables-restore", "ebtables", "dnsmasq", "ip", "sysctl"}
			if a.cfg.UseIPv6 {
				commands = append(commands, "ip6tables-save", "ip6tables-restore")
			}
			if a.cfg.ARPCount() > 0 {
				commands = append(commands, "arping")
			}

			var bridges, dhcpDevs []string
			for _, att := range hs.Networks {
				if att.Plug {
					bridges = append(bridges, att.Bridge)
				}
				if att.DHCP {
					dhcpDevs = append(dhcpDevs, att.DeviceName())
				}
			}

			checker := health.NewChecker(0, nil)
			checker.Register("commands", health.CheckCommands(commands...))
			checker.Register("ip_forward", health.CheckIPForward(&host.AferoFS{Fs: a.fs}))
			checker.Register("bridges", health.CheckBridges(network.DefaultNetlinker, bridges...))
			checker.Register("dnsmasq", health.CheckDnsmasq(s.dnsmasq, dhcpDevs...))
			report := checker.Check(cmd.Context())

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
				for _, name := range report.Names() {
					ch := report.Checks[name]
					fmt.Fprintf(w, "%s\t%s\t%s\n", name, ch.Status, ch.Message)
				}
				w.Flush()
			}

			if report.Status == health.StatusUnhealthy {
				return errors.New(errors.KindValidation, "host is unhealthy")
			}
			return nil
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "", "Host state document (defaults to host_state from the config)")
	c.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return c
}
