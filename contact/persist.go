package contact

import (
	"encoding/json"
	"errors"

	"github.com/criapa/torpaste/address"
	"github.com/criapa/torpaste/crypto"
)

// rosterPrefix marks a sealed roster blob. A distinct prefix from the
// identity envelope means the two blob kinds cannot be swapped for one
// another without failing authentication.
const rosterPrefix = "TPCTS1\n"

const rosterVersion = 1

var (
	// ErrCorrupt is returned when a roster blob cannot be parsed.
	// Callers treat the roster as absent; partial repair is never
	// attempted.
	ErrCorrupt = errors.New("contact: roster blob is corrupt")

	// ErrWrongPassword is returned when a roster blob fails
	// authentication.
	ErrWrongPassword = errors.New("contact: wrong password")

	// ErrPasswordRequired is returned by Export when no password is
	// supplied.
	ErrPasswordRequired = errors.New("contact: password is required")
)

// rosterFile is the plaintext sealed inside a roster blob.
type rosterFile struct {
	Version  int       `json:"version"`
	Contacts []Contact `json:"contacts"`
}

// Export seals the roster for storage under the same password that
// protects the identity. Online flags are not persisted.
func (r *Roster) Export(password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}
	return r.seal(password, crypto.DefaultArgon2Params)
}

func (r *Roster) seal(password []byte, params crypto.Argon2Params) ([]byte, error) {
	plaintext, err := json.Marshal(rosterFile{
		Version:  rosterVersion,
		Contacts: r.List(),
	})
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(plaintext)

	return crypto.SealWithPassword(rosterPrefix, plaintext, password, params)
}

// Import opens a blob produced by Export. Every entry must carry a
// valid address; a blob with any broken entry is corrupt as a whole.
func Import(blob, password []byte) (*Roster, error) {
	plaintext, err := crypto.OpenWithPassword(rosterPrefix, blob, password)
	if err != nil {
		if errors.Is(err, crypto.ErrEnvelopeAuth) {
			return nil, ErrWrongPassword
		}
		return nil, ErrCorrupt
	}
	defer crypto.ZeroBytes(plaintext)

	var rf rosterFile
	if err := json.Unmarshal(plaintext, &rf); err != nil {
		return nil, ErrCorrupt
	}
	if rf.Version != rosterVersion {
		return nil, ErrCorrupt
	}

	roster := NewRoster()
	for _, c := range rf.Contacts {
		parsed, err := address.Parse(c.Address)
		if err != nil {
			return nil, ErrCorrupt
		}
		c.Address = parsed.String()
		c.Online = false
		roster.contacts[c.Address] = c
	}
	return roster, nil
}
