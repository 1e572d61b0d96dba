package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func wipeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Destroy all stored data, identity included",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("wipe destroys the identity and roster permanently; pass --yes to confirm")
			}
			if err := store.WipeAll(); err != nil {
				return err
			}
			fmt.Printf("All data in %s wiped.\n", store.Dir())
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm destruction")
	return cmd
}
