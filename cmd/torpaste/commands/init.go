package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/identity"
	"github.com/criapa/torpaste/storage"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an identity and store it sealed under a password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if store.Has(storage.IdentityBlob) {
				return fmt.Errorf("an identity already exists in %s (use \"torpaste wipe\" to start over)", store.Dir())
			}
			pw, err := readPassword(true)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(pw)

			id, err := identity.Create()
			if err != nil {
				return err
			}
			defer id.Wipe()

			if err := saveIdentity(id, pw); err != nil {
				return err
			}
			seeded, err := seedConfig()
			if err != nil {
				return err
			}
			phrase, err := id.RecoveryPhrase()
			if err != nil {
				return err
			}

			fmt.Printf("Identity created.\n\n")
			fmt.Printf("Address:     %s\n", id.Address())
			fmt.Printf("Fingerprint: %s\n\n", id.Fingerprint().Formatted())
			fmt.Printf("Recovery phrase:\n  %s\n\n", phrase)
			fmt.Println("Give the address to your contacts and compare fingerprints over a channel you trust.")
			fmt.Println("Write the recovery phrase down and keep it offline; it is the only way to restore this identity.")
			if seeded != "" {
				fmt.Printf("\nStarter config written to %s.\n", seeded)
			}
			return nil
		},
	}
}
