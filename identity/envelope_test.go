package identity

import (
	"bytes"
	"errors"
	"testing"

	"github.com/criapa/torpaste/crypto"
)

// cheapParams keeps password stretching fast in tests; Import reads the
// cost from the envelope, so round trips stay consistent.
var cheapParams = crypto.Argon2Params{Time: 1, MemMiB: 8, Threads: 1}

func sealedIdentity(t *testing.T, password []byte) (*Identity, []byte) {
	t.Helper()
	id, err := Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	blob, err := seal(id, password, cheapParams)
	if err != nil {
		t.Fatalf("seal() error: %v", err)
	}
	return id, blob
}

func TestExportImportRoundTrip(t *testing.T) {
	password := []byte("strong passphrase")
	id, blob := sealedIdentity(t, password)

	imported, err := Import(blob, password)
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	if !imported.Address().Equal(id.Address()) {
		t.Error("Imported identity has a different address")
	}
	if !imported.CreatedAt().Equal(id.CreatedAt()) {
		t.Errorf("Imported CreatedAt = %v, want %v", imported.CreatedAt(), id.CreatedAt())
	}

	// The imported identity must be able to sign
	sig, err := imported.Sign([]byte("m"))
	if err != nil || len(sig) == 0 {
		t.Errorf("Imported identity cannot sign: %v", err)
	}
}

func TestExportRequiresPassword(t *testing.T) {
	id, err := Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := Export(id, nil); !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("Export() error = %v, want ErrPasswordRequired", err)
	}
}

func TestExportUsesDefaultParams(t *testing.T) {
	id, err := Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	blob, err := Export(id, []byte("pw"))
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	imported, err := Import(blob, []byte("pw"))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if !imported.Address().Equal(id.Address()) {
		t.Error("Default-cost export did not round trip")
	}
}

func TestImportWrongPassword(t *testing.T) {
	_, blob := sealedIdentity(t, []byte("right password"))

	if _, err := Import(blob, []byte("wrong password")); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Import() error = %v, want ErrWrongPassword", err)
	}
	if _, err := Import(blob, nil); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Import() with no password error = %v, want ErrWrongPassword", err)
	}
}

func TestImportTamperedCiphertext(t *testing.T) {
	password := []byte("pw")
	_, blob := sealedIdentity(t, password)

	// Flip a byte somewhere in the ciphertext portion of the JSON
	tampered := append([]byte(nil), blob...)
	idx := bytes.Index(tampered, []byte("ciphertext"))
	if idx < 0 {
		t.Fatal("envelope layout changed; test needs updating")
	}
	tampered[idx+14] ^= 0x01

	_, err := Import(tampered, password)
	if !errors.Is(err, ErrWrongPassword) && !errors.Is(err, ErrCorrupt) {
		t.Errorf("Import() of tampered blob error = %v, want ErrWrongPassword or ErrCorrupt", err)
	}
}

func TestImportCorruptBlobs(t *testing.T) {
	testCases := []struct {
		name string
		blob []byte
	}{
		{"Empty blob", []byte{}},
		{"Missing prefix", []byte(`{"version":1}`)},
		{"Prefix only", []byte(envelopePrefix)},
		{"Broken JSON", []byte(envelopePrefix + `{"version":`)},
		{"Wrong version", []byte(envelopePrefix + `{"version":99,"kdf":"argon2id"}`)},
		{"Wrong KDF", []byte(envelopePrefix + `{"version":1,"kdf":"scrypt"}`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Import(tc.blob, []byte("pw")); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Import() error = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestLoadIsImport(t *testing.T) {
	password := []byte("pw")
	id, blob := sealedIdentity(t, password)

	loaded, err := Load(blob, password)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !loaded.Address().Equal(id.Address()) {
		t.Error("Load() restored a different identity")
	}
}
