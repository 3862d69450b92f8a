package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mail-ledger/config"
	"mail-ledger/extractor"
	"mail-ledger/models"
)

// accountItemKeys are item fields the materializer consumes for account
// resolution; they never land in the data map.
var accountItemKeys = map[string]struct{}{
	"account_number":    {},
	"account_name":      {},
	"institution":       {},
	"to_account_number": {},
	"to_account_name":   {},
	"to_institution":    {},
}

// Materializer turns one extraction document into persisted transaction
// rows. Each item is written all-or-nothing; a failing item never blocks
// its siblings.
type Materializer struct {
	DB       *gorm.DB
	Config   *config.Config
	Logger   *zap.Logger
	Accounts AccountResolver
}

// NewMaterializer creates a materializer.
func NewMaterializer(db *gorm.DB, cfg *config.Config, logger *zap.Logger, accounts AccountResolver) *Materializer {
	return &Materializer{DB: db, Config: cfg, Logger: logger, Accounts: accounts}
}

// Materialize persists the document's transaction items for the given
// run and email. It returns the created transaction ids and the number
// of items that failed.
func (m *Materializer) Materialize(ctx context.Context, doc *extractor.Document, email *models.Email, run *models.ExtractionRun) ([]uint, int) {
	log := m.Logger.With(zap.Uint("run_id", run.ID), zap.Uint("email_id", email.ID))

	var ids []uint
	var failed int
	for i, item := range doc.Transactions {
		tx, err := m.buildTransaction(ctx, item, email, run)
		if err != nil {
			log.Warn("Skipping transaction item", zap.Int("item", i), zap.Error(err))
			failed++
			continue
		}
		if err := m.DB.WithContext(ctx).Create(tx).Error; err != nil {
			log.Warn("Failed to insert transaction", zap.Int("item", i), zap.Error(err))
			failed++
			continue
		}
		ids = append(ids, tx.ID)
	}
	return ids, failed
}

// buildTransaction normalizes one item: typed columns are coerced,
// account references resolved, the currency defaulted, and every
// leftover field routed into the data map.
func (m *Materializer) buildTransaction(ctx context.Context, item extractor.Item, email *models.Email, run *models.ExtractionRun) (*models.Transaction, error) {
	tx := &models.Transaction{
		ExtractionRunID: run.ID,
		SourceEmailID:   email.ID,
		Data:            datatypes.JSONMap{},
	}

	for key, value := range item {
		if value == nil {
			continue
		}
		if _, consumed := accountItemKeys[key]; consumed {
			continue
		}
		if isTransactionColumn(key) {
			if !setTransactionColumn(tx, key, value) {
				return nil, fmt.Errorf("field %q: cannot coerce %T", key, value)
			}
			continue
		}
		tx.Data[key] = value
	}

	if tx.Currency == "" {
		tx.Currency = m.Config.DefaultCurrency
	}

	accountID, err := m.Accounts.Resolve(ctx, accountRefFromItem(item, false))
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	tx.AccountID = accountID

	toAccountID, err := m.Accounts.Resolve(ctx, accountRefFromItem(item, true))
	if err != nil {
		return nil, fmt.Errorf("resolve destination account: %w", err)
	}
	tx.ToAccountID = toAccountID

	return tx, nil
}

func accountRefFromItem(item extractor.Item, destination bool) AccountRef {
	prefix := ""
	if destination {
		prefix = "to_"
	}
	ref := AccountRef{IsExternal: destination}
	if s, ok := coerceString(item[prefix+"account_number"]); ok {
		ref.AccountNumber = s
	}
	if s, ok := coerceString(item[prefix+"account_name"]); ok {
		ref.AccountName = s
	}
	if s, ok := coerceString(item[prefix+"institution"]); ok {
		ref.Institution = s
	}
	return ref
}
