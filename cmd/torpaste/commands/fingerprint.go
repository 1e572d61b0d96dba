package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/criapa/torpaste/crypto"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(false)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(pw)

			id, err := loadIdentity(pw)
			if err != nil {
				return err
			}
			defer id.Wipe()

			fmt.Println(id.Fingerprint().Formatted())
			return nil
		},
	}
}
