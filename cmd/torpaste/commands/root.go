package commands

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/criapa/torpaste/config"
	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/identity"
	"github.com/criapa/torpaste/storage"
)

// passwordEnv supplies the store password non-interactively, for
// scripts and tests. The -p flag wins over it.
const passwordEnv = "TORPASTE_PASSWORD"

var (
	dataDir    string
	configPath string
	password   string

	cfg   *config.Config
	store *storage.Store
)

func Execute() error {
	root := &cobra.Command{
		Use:   "torpaste",
		Short: "Anonymous peer-to-peer messenger over Tor hidden services",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			if err := config.ApplyLogging(cfg.Log); err != nil {
				return err
			}
			dir, err := resolveDataDir()
			if err != nil {
				return err
			}
			s, err := storage.Open(dir)
			if err != nil {
				return err
			}
			store = s
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.local/share/torpaste)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.yaml)")
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "password protecting stored data (prompted when omitted)")

	root.AddCommand(initCmd(), addressCmd(), fingerprintCmd(), exportCmd(),
		importCmd(), recoverCmd(), contactCmd(), runCmd(), wipeCmd())
	return root.Execute()
}

// loadConfig populates cfg from the --config flag, from config.yaml in
// the data directory when present, or from defaults. Environment
// overrides apply in every case.
func loadConfig() error {
	path := configPath
	if path == "" {
		dir := dataDir
		if dir == "" {
			var err error
			if dir, err = storage.DefaultDir(); err != nil {
				return err
			}
		}
		candidate := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		cfg = config.Default()
		config.ApplyEnv(cfg)
		return cfg.Validate()
	}
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// resolveDataDir picks the store location: the --data-dir flag, then
// the configured directory, then the platform default.
func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	if cfg.Storage.DataDir != "" {
		return cfg.Storage.DataDir, nil
	}
	return storage.DefaultDir()
}

// seedConfig writes a starter config.yaml into the data directory so
// the user has a file to edit. It does nothing when --config points
// elsewhere or a file already exists. Returns the path written, or ""
// when nothing was seeded.
func seedConfig() (string, error) {
	if configPath != "" {
		return "", nil
	}
	path := filepath.Join(store.Dir(), "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := cfg.WriteFile(path); err != nil {
		return "", err
	}
	return path, nil
}

// readPassword returns the store password from the -p flag, the
// environment, or an interactive hidden prompt. With confirm set it
// prompts twice and rejects mismatches; flag and environment sources
// skip confirmation.
func readPassword(confirm bool) ([]byte, error) {
	if password != "" {
		return []byte(password), nil
	}
	if env := os.Getenv(passwordEnv); env != "" {
		return []byte(env), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("password required: use -p or set %s", passwordEnv)
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(pw) == 0 {
		return nil, fmt.Errorf("password must not be empty")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm password: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			crypto.ZeroBytes(pw)
			return nil, fmt.Errorf("reading password: %w", err)
		}
		match := bytes.Equal(pw, again)
		crypto.ZeroBytes(again)
		if !match {
			crypto.ZeroBytes(pw)
			return nil, fmt.Errorf("passwords do not match")
		}
	}
	return pw, nil
}

// loadIdentity decrypts the stored identity with the given password.
func loadIdentity(pw []byte) (*identity.Identity, error) {
	blob, err := store.Get(storage.IdentityBlob)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("no identity in %s (run \"torpaste init\" first)", store.Dir())
		}
		return nil, err
	}
	return identity.Load(blob, pw)
}

// saveIdentity seals the identity under the password and stores it.
func saveIdentity(id *identity.Identity, pw []byte) error {
	blob, err := identity.Export(id, pw)
	if err != nil {
		return err
	}
	return store.Put(storage.IdentityBlob, blob)
}
