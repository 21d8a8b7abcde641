package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"grimm.is/netplane/internal/errors"
)

// NetworkIDEnv is exported to the lease script by dnsmasq.
const NetworkIDEnv = "NETWORK_ID"

func newDHCPEventCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dhcp-event <init|add|old|del> [mac ip [hostname]]",
		Short: "Handle a dnsmasq lease script call",
		Long: `dnsmasq runs its --dhcp-script with the event and lease details.
"init" prints the lease database for the network named by $NETWORK_ID.
"add" and "old" mark the fixed address as leased, "del" releases it.`,
		Args: cobra.RangeArgs(1, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			action := args[0]

			switch action {
			case "init":
				id, err := strconv.Atoi(os.Getenv(NetworkIDEnv))
				if err != nil {
					return errors.Errorf(errors.KindValidation, "%s is not a network id", NetworkIDEnv)
				}
				hs, err := a.loadHostState("")
				if err != nil {
					return err
				}
				att, err := hs.Find(id)
				if err != nil {
					return err
				}
				s, err := a.build(a.executor())
				if err != nil {
					return err
				}
				defer s.Close()

				leases, err := s.driver.Leases(ctx, &att.Network)
				if err != nil {
					return err
				}
				if leases != "" {
					fmt.Fprintln(cmd.OutOrStdout(), leases)
				}
				return nil

			case "add", "old", "del":
				if len(args) < 3 {
					return errors.Errorf(errors.KindValidation, "%s needs a mac and an address", action)
				}
				mac, address := args[1], args[2]
				store, err := a.openStore()
				if err != nil {
					return err
				}
				defer store.Close()

				a.logger.Info("lease event", "action", action, "mac", mac, "address", address)
				return store.SetLeased(ctx, address, mac, action != "del")

			default:
				return errors.Errorf(errors.KindValidation, "unknown lease action %q", action)
			}
		},
	}
}
