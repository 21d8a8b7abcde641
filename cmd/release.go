package cmd

import (
	"github.com/spf13/cobra"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/model"
)

func newReleaseCommand(a *app) *cobra.Command {
	var dev, address, mac, server string
	c := &cobra.Command{
		Use:   "release",
		Short: "Send a DHCPRELEASE for a fixed address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.build(a.executor())
			if err != nil {
				return err
			}
			defer s.Close()

			var n *model.Network
			if server != "" {
				n = &model.Network{DHCPServer: server}
			} else {
				id, err := s.store.NetworkOf(ctx, address)
				if err != nil {
					return err
				}
				hs, err := a.loadHostState("")
				if err != nil {
					return err
				}
				att, err := hs.Find(id)
				if err != nil {
					return err
				}
				n = &att.Network
				if dev == "" {
					dev = att.DeviceName()
				}
			}
			if dev == "" {
				return errors.New(errors.KindValidation, "--dev is required with --server")
			}
			return s.driver.ReleaseDHCP(ctx, dev, n, address, mac)
		},
	}
	c.Flags().StringVar(&dev, "dev", "", "Device the DHCP server listens on")
	c.Flags().StringVar(&address, "address", "", "Fixed address to release")
	c.Flags().StringVar(&mac, "mac", "", "Client MAC address")
	c.Flags().StringVar(&server, "server", "", "DHCP server address (looked up from the host state when empty)")
	_ = c.MarkFlagRequired("address")
	_ = c.MarkFlagRequired("mac")
	return c
}
