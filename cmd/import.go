package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/state"
)

func newImportCommand(a *app) *cobra.Command {
	var file string
	c := &cobra.Command{
		Use:   "import",
		Short: "Load instances, VIFs and fixed addresses into the association store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := afero.ReadFile(a.fs, file)
			if err != nil {
				return errors.Wrapf(err, errors.KindNotFound, "failed to read %s", file)
			}
			seed, err := state.ParseSeed(data)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Import(cmd.Context(), seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d instances, %d vifs, %d fixed ips\n",
				len(seed.Instances), len(seed.VIFs), len(seed.FixedIPs))
			return nil
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "", "Seed document")
	_ = c.MarkFlagRequired("file")
	return c
}
