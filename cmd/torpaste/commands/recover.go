package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/identity"
	"github.com/criapa/torpaste/storage"
)

func recoverCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "recover [word...]",
		Short: "Rebuild an identity from its recovery phrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if store.Has(storage.IdentityBlob) && !force {
				return fmt.Errorf("an identity already exists in %s; pass --force to replace it", store.Dir())
			}
			phrase := strings.Join(args, " ")
			if phrase == "" {
				fmt.Fprint(os.Stderr, "Recovery phrase: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return fmt.Errorf("reading recovery phrase: %w", err)
				}
				phrase = strings.TrimSpace(line)
			}

			id, err := identity.FromRecoveryPhrase(phrase)
			if err != nil {
				return err
			}
			defer id.Wipe()

			pw, err := readPassword(true)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(pw)

			if err := saveIdentity(id, pw); err != nil {
				return err
			}
			fmt.Printf("Identity recovered.\nAddress:     %s\nFingerprint: %s\n", id.Address(), id.Fingerprint().Formatted())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
