package store

import (
	"context"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
)

// MemoryStore keeps accounts in process memory. It backs tests and the
// "memory" store driver used for local development.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]map[string]*models.Account
	logs     []models.SystemLog
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]map[string]*models.Account),
		now:      time.Now,
	}
}

func (s *MemoryStore) Accounts(role string) Accounts {
	return &memoryAccounts{store: s, role: role}
}

func (s *MemoryStore) EnsureSchema(_ context.Context, descriptors []*roles.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range descriptors {
		if _, ok := s.accounts[d.Name]; !ok {
			s.accounts[d.Name] = make(map[string]*models.Account)
		}
	}
	return nil
}

func (s *MemoryStore) WriteLogs(_ context.Context, logs []models.SystemLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, logs...)
	return nil
}

func (s *MemoryStore) PurgeLogs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var deleted int64
	for _, l := range s.logs {
		if l.Timestamp.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return deleted, nil
}

// Logs returns a copy of the stored system logs.
func (s *MemoryStore) Logs() []models.SystemLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SystemLog(nil), s.logs...)
}

func (s *MemoryStore) Ping(context.Context) error  { return nil }
func (s *MemoryStore) Close(context.Context) error { return nil }

type memoryAccounts struct {
	store *MemoryStore
	role  string
}

// collection must be called with the store lock held.
func (m *memoryAccounts) collection() map[string]*models.Account {
	c, ok := m.store.accounts[m.role]
	if !ok {
		c = make(map[string]*models.Account)
		m.store.accounts[m.role] = c
	}
	return c
}

func (m *memoryAccounts) find(match func(*models.Account) bool) (*models.Account, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	for _, a := range m.store.accounts[m.role] {
		if match(a) {
			return a.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryAccounts) FindByEmail(_ context.Context, email string) (*models.Account, error) {
	email = models.NormalizeEmail(email)
	return m.find(func(a *models.Account) bool { return a.Email == email })
}

func (m *memoryAccounts) FindByID(_ context.Context, id string) (*models.Account, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	a, ok := m.store.accounts[m.role][id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *memoryAccounts) FindByUniqueKey(_ context.Context, key string) (*models.Account, error) {
	return m.find(func(a *models.Account) bool { return a.UniqueKey != nil && *a.UniqueKey == key })
}

func (m *memoryAccounts) Create(_ context.Context, a *models.Account) error {
	if err := prepareCreate(a, m.store.now()); err != nil {
		return err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	c := m.collection()
	if _, ok := c[a.ID]; ok {
		return ErrDuplicate
	}
	for _, other := range c {
		if other.Email == a.Email {
			return ErrDuplicate
		}
		if a.UniqueKey != nil && other.UniqueKey != nil && *other.UniqueKey == *a.UniqueKey {
			return ErrDuplicate
		}
	}
	c[a.ID] = a.Clone()
	return nil
}

func (m *memoryAccounts) Save(_ context.Context, a *models.Account, opts SaveOptions) error {
	if err := prepareSave(a, opts, m.store.now()); err != nil {
		return err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	c := m.collection()
	if _, ok := c[a.ID]; !ok {
		return ErrNotFound
	}
	c[a.ID] = a.Clone()
	return nil
}

func (m *memoryAccounts) UpdateFields(_ context.Context, id string, p Patch) (*models.Account, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	a, ok := m.collection()[id]
	if !ok {
		return nil, ErrNotFound
	}
	ApplyPatch(a, p)
	a.UpdatedAt = m.store.now()
	return a.Clone(), nil
}
