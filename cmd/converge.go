package cmd

import (
	"github.com/spf13/cobra"
)

func newConvergeCommand(a *app) *cobra.Command {
	var file string
	c := &cobra.Command{
		Use:   "converge",
		Short: "Bring bridges, gateways, firewall and DHCP in line with the host state",
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

			return s.driver.Converge(cmd.Context(), hs)
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "", "Host state document (defaults to host_state from the config)")
	return c
}
