package ice

import (
	"fmt"
	"sync"

	"github.com/pion/randutil"
)

const runesAlpha = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Credentials holds both sides' ICE short-term credentials for one session.
type Credentials struct {
	LocalUfrag  string
	LocalPwd    string
	RemoteUfrag string
	RemotePwd   string
}

// NewCredentials generates the local half of a credential pair. The remote
// half is filled in from the peer's offer.
func NewCredentials() (*Credentials, error) {
	ufrag, err := randutil.GenerateCryptoRandomString(16, runesAlpha)
	if err != nil {
		return nil, fmt.Errorf("generate ufrag: %w", err)
	}
	pwd, err := randutil.GenerateCryptoRandomString(32, runesAlpha)
	if err != nil {
		return nil, fmt.Errorf("generate pwd: %w", err)
	}
	return &Credentials{LocalUfrag: ufrag, LocalPwd: pwd}, nil
}

// Store maps local ufrags to credentials so an inbound connectivity check's
// USERNAME can be matched to its session. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	creds map[string]*Credentials
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{creds: make(map[string]*Credentials)}
}

// Put registers credentials under their local ufrag.
func (s *Store) Put(c *Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.LocalUfrag] = c
}

// Lookup returns the credentials registered for a local ufrag.
func (s *Store) Lookup(localUfrag string) (*Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[localUfrag]
	return c, ok
}

// Remove drops the credentials for a local ufrag.
func (s *Store) Remove(localUfrag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, localUfrag)
}

// Len returns the number of registered credential pairs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}
