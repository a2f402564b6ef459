// Package users defines the account-store port. The production document
// database sits behind this interface as an external collaborator; the
// in-memory implementation serves single-instance dev setups and tests.
package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/stockroomhq/stockroom/internal/models"
)

var (
	// ErrNotFound is thrown when no account matches a lookup.
	ErrNotFound = errors.New("user not found")

	// ErrExists is thrown when creating an account whose e-mail is taken.
	ErrExists = errors.New("user already exists")
)

// Store is the account persistence port.
type Store interface {
	FindByEmail(ctx context.Context, email string) (models.User, error)
	FindByID(ctx context.Context, id string) (models.User, error)
	Create(ctx context.Context, u models.User) error
	Update(ctx context.Context, u models.User) error

	// AddTokenFamily appends a refresh-token family ID to the account's
	// recorded set as one atomic update.
	AddTokenFamily(ctx context.Context, id, familyID string) error

	// IsActiveAccount reports whether an activated account exists for the
	// e-mail.
	IsActiveAccount(ctx context.Context, email string) (bool, error)

	// TenantByInviteCode resolves a tenant from an invite code.
	TenantByInviteCode(ctx context.Context, code string) (string, error)

	// TenantByCompanyName resolves a tenant by case-insensitive company
	// name match among activated accounts.
	TenantByCompanyName(ctx context.Context, name string) (string, error)
}

// Memory is the in-process Store.
type Memory struct {
	mu      sync.RWMutex
	byID    map[string]models.User
	byEmail map[string]string
	invites map[string]string
}

// NewMemory returns an empty in-memory account store.
func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[string]models.User),
		byEmail: make(map[string]string),
		invites: make(map[string]string),
	}
}

// SetInvite registers an invite code for a tenant.
func (m *Memory) SetInvite(code, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites[code] = tenantID
}

// FindByEmail looks an account up by e-mail.
func (m *Memory) FindByEmail(ctx context.Context, email string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.byEmail[strings.ToLower(email)]
	if !exists {
		return models.User{}, ErrNotFound
	}
	return clone(m.byID[id]), nil
}

// FindByID looks an account up by ID.
func (m *Memory) FindByID(ctx context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, exists := m.byID[id]
	if !exists {
		return models.User{}, ErrNotFound
	}
	return clone(u), nil
}

// Create persists a new account.
func (m *Memory) Create(ctx context.Context, u models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(u.Email)
	if _, exists := m.byEmail[email]; exists {
		return ErrExists
	}

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.UpdatedAt = time.Now()
	m.byID[u.ID] = clone(u)
	m.byEmail[email] = u.ID
	return nil
}

// Update overwrites an existing account.
func (m *Memory) Update(ctx context.Context, u models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[u.ID]; !exists {
		return ErrNotFound
	}

	u.UpdatedAt = time.Now()
	m.byID[u.ID] = clone(u)
	m.byEmail[strings.ToLower(u.Email)] = u.ID
	return nil
}

// AddTokenFamily appends a refresh-token family ID under the store lock.
func (m *Memory) AddTokenFamily(ctx context.Context, id, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, exists := m.byID[id]
	if !exists {
		return ErrNotFound
	}

	u.TokenFamilies = append(append([]string(nil), u.TokenFamilies...), familyID)
	m.byID[id] = u
	return nil
}

// IsActiveAccount reports whether an activated account holds the e-mail.
func (m *Memory) IsActiveAccount(ctx context.Context, email string) (bool, error) {
	u, err := m.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return u.Active, nil
}

// TenantByInviteCode resolves a tenant from an invite code.
func (m *Memory) TenantByInviteCode(ctx context.Context, code string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.invites[code]
	if !exists {
		return "", ErrNotFound
	}
	return id, nil
}

// TenantByCompanyName resolves a tenant by company name among activated
// accounts.
func (m *Memory) TenantByCompanyName(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", ErrNotFound
	}

	for _, u := range m.byID {
		if u.Active && strings.ToLower(u.CompanyName) == name {
			return u.TenantID, nil
		}
	}
	return "", ErrNotFound
}

func clone(u models.User) models.User {
	u.TokenFamilies = append([]string(nil), u.TokenFamilies...)
	return u
}
