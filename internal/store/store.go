// Package store persists account records. Every operation touches a single
// record; no multi-record transactions are assumed by callers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
)

var (
	ErrNotFound  = errors.New("account not found")
	ErrDuplicate = errors.New("account already exists")
)

// SaveOptions controls Save. Session-only updates skip validation.
type SaveOptions struct {
	Validate bool
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Profile           map[string]string
	AvatarURL         *string
	AvatarRef         *string
	IsVerified        *bool
	ClearRefreshToken bool
}

// Accounts is the credential store of one role-collection.
type Accounts interface {
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	FindByID(ctx context.Context, id string) (*models.Account, error)
	FindByUniqueKey(ctx context.Context, key string) (*models.Account, error)
	Create(ctx context.Context, a *models.Account) error
	Save(ctx context.Context, a *models.Account, opts SaveOptions) error
	UpdateFields(ctx context.Context, id string, p Patch) (*models.Account, error)
}

// Store is a process-wide backend serving all role-collections.
type Store interface {
	Accounts(role string) Accounts
	EnsureSchema(ctx context.Context, descriptors []*roles.Descriptor) error
	WriteLogs(ctx context.Context, logs []models.SystemLog) error
	PurgeLogs(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ApplyPatch mutates a in place. It is shared by backends that update by
// read-modify-write.
func ApplyPatch(a *models.Account, p Patch) {
	if len(p.Profile) > 0 {
		if a.Profile == nil {
			a.Profile = make(map[string]string, len(p.Profile))
		}
		for k, v := range p.Profile {
			a.Profile[k] = v
		}
	}
	if p.AvatarURL != nil {
		a.AvatarURL = *p.AvatarURL
	}
	if p.AvatarRef != nil {
		a.AvatarRef = *p.AvatarRef
	}
	if p.IsVerified != nil {
		a.IsVerified = *p.IsVerified
	}
	if p.ClearRefreshToken {
		a.RefreshToken = nil
	}
}

func prepareCreate(a *models.Account, now time.Time) error {
	a.Email = models.NormalizeEmail(a.Email)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return a.Validate()
}

func prepareSave(a *models.Account, opts SaveOptions, now time.Time) error {
	if opts.Validate {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	a.UpdatedAt = now
	return nil
}
