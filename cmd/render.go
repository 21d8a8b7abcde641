package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/services/dhcp"
)

func newRenderCommand(a *app) *cobra.Command {
	var (
		file      string
		networkID int
	)
	c := &cobra.Command{
		Use:   "render",
		Short: "Print the dnsmasq files and command line for one network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := a.loadHostState(file)
			if err != nil {
				return err
			}
			att, err := hs.Find(networkID)
			if err != nil {
				return err
			}

			s, err := a.build(host.NewRealExecutor("", a.logger, a.metrics))
			if err != nil {
				return err
			}
			defer s.Close()

			dev := att.DeviceName()
			files, err := s.driver.RenderDHCP(cmd.Context(), dev, &att.Network)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			section(out, s.dnsmasq.Path(dev, dhcp.KindConf), files.Hosts)
			if att.MultiHost {
				section(out, s.dnsmasq.Path(dev, dhcp.KindHosts), files.DNSHosts)
			}
			if s.dnsmasq.Config().SingleDefaultGateway {
				section(out, s.dnsmasq.Path(dev, dhcp.KindOpts), files.Opts)
			}
			section(out, "leases", files.Leases)
			section(out, "command", strings.Join(files.Command, " "))
			return nil
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "", "Host state document (defaults to host_state from the config)")
	c.Flags().IntVar(&networkID, "network", 0, "Network id")
	_ = c.MarkFlagRequired("network")
	return c
}

func section(w io.Writer, title, body string) {
	fmt.Fprintf(w, "# %s\n", title)
	if body != "" {
		fmt.Fprintln(w, body)
	}
	fmt.Fprintln(w)
}
