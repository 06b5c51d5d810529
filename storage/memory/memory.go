// Package memory provides an in memory implementation of the storage interface.
package memory

import (
	"sync"
	"time"

	"github.com/jnnycn007/moauth/pkg/log"
	"github.com/jnnycn007/moauth/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns an in memory storage.
func New(logger log.Logger) storage.Storage {
	return &memStorage{
		tokens: make(map[string]storage.Token),
		logger: logger,
	}
}

type memStorage struct {
	// clients is append-only and order-preserving; lookups by bare client
	// ID return the first match in insertion order.
	clientMu sync.Mutex
	clients  []storage.Client

	// tokens is read-dominated: Bearer validation takes the read lock,
	// mutation and the expiry sweep take the write lock.
	tokenMu sync.RWMutex
	tokens  map[string]storage.Token

	keyMu sync.Mutex
	keys  storage.Keys

	logger log.Logger
}

func (s *memStorage) Close() error { return nil }

func (s *memStorage) CreateClient(c storage.Client) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for _, have := range s.clients {
		if have.ID == c.ID && have.RedirectURI == c.RedirectURI {
			// Duplicates collapse to the existing entry.
			return nil
		}
	}
	s.clients = append(s.clients, c)
	return nil
}

func (s *memStorage) GetClient(id string) (storage.Client, error) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for _, c := range s.clients {
		if c.ID == id {
			return c, nil
		}
	}
	return storage.Client{}, storage.ErrNotFound
}

func (s *memStorage) GetClientRedirect(id, redirectURI string) (storage.Client, error) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for _, c := range s.clients {
		if c.ID == id && c.RedirectURI == redirectURI {
			return c, nil
		}
	}
	return storage.Client{}, storage.ErrNotFound
}

func (s *memStorage) ListClients() ([]storage.Client, error) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	clients := make([]storage.Client, len(s.clients))
	copy(clients, s.clients)
	return clients, nil
}

func (s *memStorage) CreateToken(t storage.Token) error {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if _, ok := s.tokens[t.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.tokens[t.ID] = t
	return nil
}

func (s *memStorage) GetToken(id string) (storage.Token, error) {
	s.tokenMu.RLock()
	t, ok := s.tokens[id]
	s.tokenMu.RUnlock()
	if !ok {
		return storage.Token{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *memStorage) DeleteToken(id string) error {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if _, ok := s.tokens[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.tokens, id)
	return nil
}

func (s *memStorage) ConsumeToken(id string, now time.Time) (storage.Token, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return storage.Token{}, storage.ErrNotFound
	}
	delete(s.tokens, id)
	if t.Expired(now) {
		return storage.Token{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *memStorage) GetKeys() (storage.Keys, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return s.keys, nil
}

func (s *memStorage) UpdateKeys(updater func(old storage.Keys) (storage.Keys, error)) error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	keys, err := updater(s.keys)
	if err != nil {
		return err
	}
	s.keys = keys
	return nil
}

func (s *memStorage) GarbageCollect(now time.Time) (storage.GCResult, error) {
	var result storage.GCResult
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	for id, t := range s.tokens {
		if !t.Expired(now) {
			continue
		}
		delete(s.tokens, id)
		if t.Kind == storage.KindGrant {
			result.Grants++
		} else {
			result.Tokens++
		}
	}
	return result, nil
}
