// Package contact maintains the peer roster: every peer the user talks
// to, keyed by onion address. The roster lives in memory and persists
// as one sealed blob; online state is runtime only and never touches
// disk.
package contact

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/criapa/torpaste/address"
)

// MaxNicknameLength bounds nicknames in bytes.
const MaxNicknameLength = 128

// ErrNicknameTooLong is returned when a nickname exceeds MaxNicknameLength.
var ErrNicknameTooLong = errors.New("contact: nickname too long")

// Contact is one roster entry.
type Contact struct {
	// Address is the peer's canonical onion address and the entry's
	// unique key.
	Address string `json:"address"`

	// Nickname is the user-chosen display name.
	Nickname string `json:"nickname"`

	// Fingerprint is the peer's key fingerprint, computed from the
	// address at add time for display and out-of-band comparison.
	Fingerprint string `json:"fingerprint"`

	// AddedAt and LastSeenAt are unix timestamps. LastSeenAt is zero
	// until the first connection state change.
	AddedAt    int64 `json:"added_at"`
	LastSeenAt int64 `json:"last_seen,omitempty"`

	// Online reflects whether a session to this peer is currently
	// established.
	Online bool `json:"-"`
}

// Roster is the set of known contacts. All methods are safe for
// concurrent use; accessors return copies, never shared pointers.
type Roster struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{contacts: make(map[string]Contact)}
}

// Add inserts a contact for the address. Adding an address that is
// already present leaves the existing entry untouched and reports
// added=false.
func (r *Roster) Add(addr *address.Address, nickname string) (Contact, bool, error) {
	if len(nickname) > MaxNicknameLength {
		return Contact{}, false, ErrNicknameTooLong
	}

	key := addr.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.contacts[key]; ok {
		return existing, false, nil
	}

	c := Contact{
		Address:     key,
		Nickname:    nickname,
		Fingerprint: address.FingerprintOf(addr.PublicKey[:]).Formatted(),
		AddedAt:     time.Now().Unix(),
	}
	r.contacts[key] = c

	logrus.WithFields(logrus.Fields{
		"function": "Roster.Add",
		"address":  key,
		"nickname": nickname,
	}).Info("Contact added")

	return c, true, nil
}

// Remove deletes the contact for the address, reporting whether it
// existed.
func (r *Roster) Remove(addr *address.Address) bool {
	key := addr.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.contacts[key]; !ok {
		return false
	}
	delete(r.contacts, key)

	logrus.WithFields(logrus.Fields{
		"function": "Roster.Remove",
		"address":  key,
	}).Info("Contact removed")

	return true
}

// Get returns a copy of the contact for the address.
func (r *Roster) Get(addr *address.Address) (Contact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contacts[addr.String()]
	return c, ok
}

// SetNickname renames a contact, reporting whether it existed.
func (r *Roster) SetNickname(addr *address.Address, nickname string) (bool, error) {
	if len(nickname) > MaxNicknameLength {
		return false, ErrNicknameTooLong
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.String()
	c, ok := r.contacts[key]
	if !ok {
		return false, nil
	}
	c.Nickname = nickname
	r.contacts[key] = c
	return true, nil
}

// SetOnline records a connection state change, updating the last-seen
// time. Unknown addresses are ignored; sessions to peers outside the
// roster are legitimate.
func (r *Roster) SetOnline(addr *address.Address, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.String()
	c, ok := r.contacts[key]
	if !ok {
		return
	}
	c.Online = online
	c.LastSeenAt = time.Now().Unix()
	r.contacts[key] = c

	logrus.WithFields(logrus.Fields{
		"function": "Roster.SetOnline",
		"address":  key,
		"online":   online,
	}).Debug("Contact connection state changed")
}

// List returns all contacts ordered by add time, oldest first, with
// the address breaking ties.
func (r *Roster) List() []Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt != out[j].AddedAt {
			return out[i].AddedAt < out[j].AddedAt
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Len returns the number of contacts.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts)
}
