package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/identity"
)

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write a password-sealed identity backup to a file",
		Args:  cobra.ExactArgs(1),
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

			blob, err := identity.Export(id, pw)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], blob, 0o600); err != nil {
				return fmt.Errorf("writing backup: %w", err)
			}
			fmt.Printf("Identity exported to %s\n", args[0])
			return nil
		},
	}
}
