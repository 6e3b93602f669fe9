// Package profile stores local participant identities: node id, display
// names, and channel credentials. Profiles live in a JSON file under the
// data dir, same shape the UI edits. Exactly one profile is active at a
// time; the core reads only its node id and channel credentials.
package profile

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"meshchat/internal/meshproto"
)

var (
	ErrNotFound   = errors.New("profile not found")
	ErrBadProfile = errors.New("invalid profile")
)

const maxShortName = 4

// Profile is one stored identity.
type Profile struct {
	ID        string `json:"id"`
	NodeID    string `json:"node_id"` // "!hex"
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	Channel   string `json:"channel"`
	Key       string `json:"key"` // base64 channel key

	// X25519 identity keypair, generated on create. The public key rides
	// in node-info announcements.
	PublicKey  []byte `json:"public_key,omitempty"`
	PrivateKey []byte `json:"private_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NodeNum parses the "!hex" node id.
func (p Profile) NodeNum() (uint32, error) {
	return meshproto.ParseNodeID(p.NodeID)
}

// Store is a JSON-file-backed profile collection plus the active selection.
type Store struct {
	mu       sync.Mutex
	path     string
	profiles map[string]Profile
	activeID string
}

// OpenStore loads (or initializes) the profile file.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, profiles: make(map[string]Profile)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.profiles); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	return s, nil
}

func validate(p Profile) error {
	if p.NodeID == "" || p.LongName == "" || p.Channel == "" || p.Key == "" {
		return fmt.Errorf("%w: node_id, long_name, channel, key are required", ErrBadProfile)
	}
	if len(p.ShortName) > maxShortName {
		return fmt.Errorf("%w: short name longer than %d chars", ErrBadProfile, maxShortName)
	}
	if _, err := p.NodeNum(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadProfile, err)
	}
	return nil
}

// Create stores a new profile and generates its identity keypair.
func (s *Store) Create(p Profile) (Profile, error) {
	if err := validate(p); err != nil {
		return Profile{}, err
	}

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return Profile{}, fmt.Errorf("generate identity key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return Profile{}, fmt.Errorf("derive identity key: %w", err)
	}

	p.ID = newID()
	p.PrivateKey = priv
	p.PublicKey = pub
	p.CreatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	if err := s.saveLocked(); err != nil {
		delete(s.profiles, p.ID)
		return Profile{}, err
	}
	return p, nil
}

// Update replaces the editable fields of an existing profile. Identity keys
// and timestamps are preserved.
func (s *Store) Update(id string, p Profile) (Profile, error) {
	if err := validate(p); err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}

	cur.NodeID = p.NodeID
	cur.LongName = p.LongName
	cur.ShortName = p.ShortName
	cur.Channel = p.Channel
	cur.Key = p.Key
	cur.UpdatedAt = time.Now()
	s.profiles[id] = cur
	if err := s.saveLocked(); err != nil {
		return Profile{}, err
	}
	return cur, nil
}

// Delete removes a profile. Deleting the active profile clears the
// selection; stopping its listener is the caller's job.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return ErrNotFound
	}
	delete(s.profiles, id)
	if s.activeID == id {
		s.activeID = ""
	}
	return s.saveLocked()
}

// Get returns one profile.
func (s *Store) Get(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	return p, ok
}

// List returns all profiles, newest first.
func (s *Store) List() []Profile {
	s.mu.Lock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetActive marks a profile as the current one; empty id clears it.
func (s *Store) SetActive(id string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.activeID = ""
		return Profile{}, nil
	}
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	s.activeID = id
	return p, nil
}

// Active returns the current profile, if any.
func (s *Store) Active() (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == "" {
		return Profile{}, false
	}
	p, ok := s.profiles[s.activeID]
	return p, ok
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
