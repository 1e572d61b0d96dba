package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/identity"
	"github.com/criapa/torpaste/storage"
)

func importCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Restore an identity from a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if store.Has(storage.IdentityBlob) && !force {
				return fmt.Errorf("an identity already exists in %s; pass --force to replace it", store.Dir())
			}
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading backup: %w", err)
			}
			pw, err := readPassword(false)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(pw)

			id, err := identity.Import(blob, pw)
			if err != nil {
				return err
			}
			defer id.Wipe()

			if err := saveIdentity(id, pw); err != nil {
				return err
			}
			fmt.Printf("Identity restored.\nAddress:     %s\nFingerprint: %s\n", id.Address(), id.Fingerprint().Formatted())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
