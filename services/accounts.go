package services

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mail-ledger/models"
)

// AccountRef carries whatever identifying fields the model extracted
// for an account.
type AccountRef struct {
	AccountNumber string
	Institution   string
	AccountName   string
	IsExternal    bool
}

func (ref AccountRef) empty() bool {
	return ref.AccountNumber == "" && ref.Institution == "" && ref.AccountName == ""
}

// AccountResolver maps extracted account references onto account rows.
type AccountResolver interface {
	// Resolve returns the id of the matching account, creating it when
	// absent, or nil when the reference is empty.
	Resolve(ctx context.Context, ref AccountRef) (*uint, error)
}

// DBAccountResolver resolves accounts against the accounts table. Two
// workers resolving the same new account concurrently serialize on the
// (account_number, institution) unique index: the second insert hits the
// conflict clause and re-reads the winner's row.
type DBAccountResolver struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewDBAccountResolver creates a database-backed resolver.
func NewDBAccountResolver(db *gorm.DB, logger *zap.Logger) *DBAccountResolver {
	return &DBAccountResolver{DB: db, Logger: logger}
}

// Resolve implements AccountResolver.
func (r *DBAccountResolver) Resolve(ctx context.Context, ref AccountRef) (*uint, error) {
	if ref.empty() {
		return nil, nil
	}

	var existing models.Account
	err := r.DB.WithContext(ctx).
		Where("account_number = ? AND institution = ?", ref.AccountNumber, ref.Institution).
		First(&existing).Error
	if err == nil {
		return &existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	acc := models.Account{
		Name:          ref.AccountName,
		AccountNumber: ref.AccountNumber,
		Institution:   ref.Institution,
		IsExternal:    ref.IsExternal,
	}
	if err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_number"}, {Name: "institution"}},
		DoNothing: true,
	}).Create(&acc).Error; err != nil {
		return nil, err
	}
	if acc.ID != 0 {
		return &acc.ID, nil
	}

	// Lost the race; the other worker's row is there now.
	err = r.DB.WithContext(ctx).
		Where("account_number = ? AND institution = ?", ref.AccountNumber, ref.Institution).
		First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing.ID, nil
}

var _ AccountResolver = (*DBAccountResolver)(nil)
