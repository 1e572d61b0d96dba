package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	data := []byte("TPENC1\n{\"v\":1}")
	if err := store.Put(IdentityBlob, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(IdentityBlob)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
}

func TestPutOverwrites(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := store.Put(ContactsBlob, []byte("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ContactsBlob, []byte("second")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := store.Get(ContactsBlob)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get = %q, want %q", got, "second")
	}
}

func TestGetMissing(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := store.Get(IdentityBlob); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on missing blob = %v, want ErrNotFound", err)
	}
}

func TestGetCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := store.Put(IdentityBlob, []byte("payload bytes")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	path := filepath.Join(dir, IdentityBlob)

	tests := []struct {
		name    string
		mangled func([]byte) []byte
	}{
		{
			name:    "flipped payload byte",
			mangled: func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b },
		},
		{
			name:    "truncated below header",
			mangled: func(b []byte) []byte { return b[:4] },
		},
		{
			name:    "wrong magic",
			mangled: func(b []byte) []byte { b[0] = 'X'; return b },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("reading blob file: %v", err)
			}
			if err := os.WriteFile(path, tt.mangled(raw), 0o600); err != nil {
				t.Fatalf("writing mangled blob: %v", err)
			}

			if _, err := store.Get(IdentityBlob); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Get on mangled blob = %v, want ErrCorrupt", err)
			}

			// Restore for the next case.
			if err := store.Put(IdentityBlob, []byte("payload bytes")); err != nil {
				t.Fatalf("restoring blob: %v", err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := store.Put(IdentityBlob, []byte("secret")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(IdentityBlob); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if store.Has(IdentityBlob) {
		t.Error("blob still present after Delete")
	}

	// Deleting a missing blob is fine.
	if err := store.Delete(IdentityBlob); err != nil {
		t.Errorf("Delete on missing blob = %v, want nil", err)
	}
}

func TestWipeAll(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := store.Put(IdentityBlob, []byte("a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ContactsBlob, []byte("b")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if err := store.WipeAll(); err != nil {
		t.Fatalf("WipeAll failed: %v", err)
	}

	if store.Has(IdentityBlob) || store.Has(ContactsBlob) {
		t.Error("blobs remain after WipeAll")
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Errorf("config file did not survive WipeAll: %v", err)
	}
}

func TestInvalidBlobName(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for _, name := range []string{"", "../escape", "a/b"} {
		if err := store.Put(name, []byte("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", name)
		}
	}
}

func TestBlobFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}

	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put(IdentityBlob, []byte("secret")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, IdentityBlob))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("blob mode = %o, want 600", perm)
	}
}
