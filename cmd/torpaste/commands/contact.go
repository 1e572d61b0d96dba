package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/criapa/torpaste/address"
	"github.com/criapa/torpaste/contact"
	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/storage"
)

func contactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage the contact roster",
	}
	cmd.AddCommand(contactAddCmd(), contactListCmd(), contactRemoveCmd())
	return cmd
}

func contactAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <address> [nickname]",
		Short: "Add a peer to the roster",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := address.Parse(args[0])
			if err != nil {
				return err
			}
			nickname := ""
			if len(args) == 2 {
				nickname = args[1]
			}

			pw, err := readPassword(false)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(pw)

			roster, err := loadRoster(pw)
			if err != nil {
				return err
			}
			c, added, err := roster.Add(addr, nickname)
			if err != nil {
				return err
			}
			if !added {
				fmt.Printf("%s is already in the roster\n", addr)
				return nil
			}
			if err := saveRoster(roster, pw); err != nil {
				return err
			}
			fmt.Printf("Added %s\nFingerprint: %s\n", addr, c.Fingerprint)
			return nil
		},
	}
}

func contactListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(false)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(pw)

			roster, err := loadRoster(pw)
			if err != nil {
				return err
			}
			if roster.Len() == 0 {
				fmt.Println("No contacts saved.")
				return nil
			}
			for _, c := range roster.List() {
				name := c.Nickname
				if name == "" {
					name = "(no nickname)"
				}
				fmt.Printf("%s  %s\n    fingerprint %s\n", c.Address, name, c.Fingerprint)
			}
			return nil
		},
	}
}

func contactRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <address>",
		Short: "Remove a peer from the roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := address.Parse(args[0])
			if err != nil {
				return err
			}
			pw, err := readPassword(false)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(pw)

			roster, err := loadRoster(pw)
			if err != nil {
				return err
			}
			if !roster.Remove(addr) {
				return fmt.Errorf("%s is not in the roster", addr)
			}
			if err := saveRoster(roster, pw); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", addr)
			return nil
		},
	}
}

// loadRoster decrypts the stored roster. A missing blob yields an
// empty roster; a corrupt one is reported and treated as absent so a
// damaged file cannot lock the user out of their contacts entirely.
// A wrong password is never papered over.
func loadRoster(pw []byte) (*contact.Roster, error) {
	blob, err := store.Get(storage.ContactsBlob)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return contact.NewRoster(), nil
		}
		if errors.Is(err, storage.ErrCorrupt) {
			fmt.Fprintln(os.Stderr, "Warning: contact roster is corrupt; starting empty.")
			return contact.NewRoster(), nil
		}
		return nil, err
	}
	roster, err := contact.Import(blob, pw)
	if err != nil {
		if errors.Is(err, contact.ErrCorrupt) {
			fmt.Fprintln(os.Stderr, "Warning: contact roster is corrupt; starting empty.")
			return contact.NewRoster(), nil
		}
		return nil, err
	}
	return roster, nil
}

// saveRoster seals the roster under the password and stores it.
func saveRoster(r *contact.Roster, pw []byte) error {
	blob, err := r.Export(pw)
	if err != nil {
		return err
	}
	return store.Put(storage.ContactsBlob, blob)
}
