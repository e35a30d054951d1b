package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
)

// accountRow is the relational shape of an account. All roles share one
// table; the role column scopes queries and the unique indexes.
type accountRow struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	Role           string  `gorm:"size:20;not null;uniqueIndex:idx_accounts_role_email;uniqueIndex:idx_accounts_role_key"`
	Email          string  `gorm:"size:255;not null;uniqueIndex:idx_accounts_role_email"`
	PasswordHash   string  `gorm:"not null"`
	IsVerified     bool    `gorm:"not null;default:false"`
	OTPCode        *string `gorm:"size:16"`
	OTPExpiresAt   *time.Time
	OTPPurpose     string `gorm:"size:16"`
	ResetExpiresAt *time.Time
	RefreshToken   *string           `gorm:"type:text"`
	AvatarURL      string            `gorm:"type:text"`
	AvatarRef      string            `gorm:"size:255"`
	UniqueKey      *string           `gorm:"size:64;uniqueIndex:idx_accounts_role_key"`
	Profile        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (accountRow) TableName() string { return "accounts" }

func toRow(a *models.Account) *accountRow {
	var profile datatypes.JSONMap
	if len(a.Profile) > 0 {
		profile = make(datatypes.JSONMap, len(a.Profile))
		for k, v := range a.Profile {
			profile[k] = v
		}
	}
	return &accountRow{
		ID:             a.ID,
		Role:           a.Role,
		Email:          a.Email,
		PasswordHash:   a.PasswordHash,
		IsVerified:     a.IsVerified,
		OTPCode:        a.OTPCode,
		OTPExpiresAt:   a.OTPExpiresAt,
		OTPPurpose:     a.OTPPurpose,
		ResetExpiresAt: a.ResetExpiresAt,
		RefreshToken:   a.RefreshToken,
		AvatarURL:      a.AvatarURL,
		AvatarRef:      a.AvatarRef,
		UniqueKey:      a.UniqueKey,
		Profile:        profile,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (r *accountRow) toAccount() *models.Account {
	var profile map[string]string
	if len(r.Profile) > 0 {
		profile = make(map[string]string, len(r.Profile))
		for k, v := range r.Profile {
			if s, ok := v.(string); ok {
				profile[k] = s
			} else if v != nil {
				profile[k] = fmt.Sprint(v)
			}
		}
	}
	return &models.Account{
		ID:             r.ID,
		Role:           r.Role,
		Email:          r.Email,
		PasswordHash:   r.PasswordHash,
		IsVerified:     r.IsVerified,
		OTPCode:        r.OTPCode,
		OTPExpiresAt:   r.OTPExpiresAt,
		OTPPurpose:     r.OTPPurpose,
		ResetExpiresAt: r.ResetExpiresAt,
		RefreshToken:   r.RefreshToken,
		AvatarURL:      r.AvatarURL,
		AvatarRef:      r.AvatarRef,
		UniqueKey:      r.UniqueKey,
		Profile:        profile,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// PostgresStore keeps accounts in PostgreSQL through GORM. The connection
// must be opened with TranslateError so unique violations surface as
// gorm.ErrDuplicatedKey.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Accounts(role string) Accounts {
	return &postgresAccounts{db: s.db, role: role}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context, _ []*roles.Descriptor) error {
	return s.db.WithContext(ctx).AutoMigrate(&accountRow{}, &models.SystemLog{})
}

func (s *PostgresStore) WriteLogs(ctx context.Context, logs []models.SystemLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(logs, 50).Error
}

func (s *PostgresStore) PurgeLogs(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before).Delete(&models.SystemLog{})
	return result.RowsAffected, result.Error
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type postgresAccounts struct {
	db   *gorm.DB
	role string
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

func (p *postgresAccounts) first(ctx context.Context, query string, arg any) (*models.Account, error) {
	var row accountRow
	if err := p.db.WithContext(ctx).Scopes(roles.ForRole(p.role)).Where(query, arg).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.toAccount(), nil
}

func (p *postgresAccounts) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	return p.first(ctx, "email = ?", models.NormalizeEmail(email))
}

func (p *postgresAccounts) FindByID(ctx context.Context, id string) (*models.Account, error) {
	return p.first(ctx, "id = ?", id)
}

func (p *postgresAccounts) FindByUniqueKey(ctx context.Context, key string) (*models.Account, error) {
	return p.first(ctx, "unique_key = ?", key)
}

func (p *postgresAccounts) Create(ctx context.Context, a *models.Account) error {
	a.Role = p.role
	if err := prepareCreate(a, time.Now()); err != nil {
		return err
	}
	if err := p.db.WithContext(ctx).Create(toRow(a)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (p *postgresAccounts) Save(ctx context.Context, a *models.Account, opts SaveOptions) error {
	a.Role = p.role
	if err := prepareSave(a, opts, time.Now()); err != nil {
		return err
	}
	result := p.db.WithContext(ctx).Model(&accountRow{}).
		Scopes(roles.ForRole(p.role)).
		Where("id = ?", a.ID).
		Select("*").
		Omit("id", "role", "created_at").
		Updates(toRow(a))
	if result.Error != nil {
		return fmt.Errorf("failed to save account: %w", translate(result.Error))
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgresAccounts) UpdateFields(ctx context.Context, id string, patch Patch) (*models.Account, error) {
	var updated *models.Account
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row accountRow
		if err := tx.Scopes(roles.ForRole(p.role)).Where("id = ?", id).First(&row).Error; err != nil {
			return translate(err)
		}
		a := row.toAccount()
		ApplyPatch(a, patch)
		a.UpdatedAt = time.Now()
		if err := tx.Select("*").Omit("id", "role", "created_at").Model(&row).Updates(toRow(a)).Error; err != nil {
			return translate(err)
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
