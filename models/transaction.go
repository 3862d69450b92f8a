package models

import (
	"time"

	"gorm.io/datatypes"
)

// Transaction is one financial record extracted from an email. Fields
// without a dedicated column land in the free-form Data map, addressable
// by QA corrections as dotted "data.*" paths.
type Transaction struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExtractionRunID uint `json:"extraction_run_id" gorm:"index;not null"`
	SourceEmailID   uint `json:"source_email_id" gorm:"index;not null"`

	// SourceTransactionID points at the transaction this one was cloned
	// from; set only on synthesized runs.
	SourceTransactionID *uint `json:"source_transaction_id,omitempty" gorm:"index"`

	AccountID   *uint `json:"account_id,omitempty" gorm:"index"`
	ToAccountID *uint `json:"to_account_id,omitempty"`

	Type        string   `json:"type" gorm:"index"`
	Description string   `json:"description" gorm:"type:text"`
	Amount      *float64 `json:"amount,omitempty"`
	Currency    string   `json:"currency" gorm:"size:8;default:'USD'"`
	Symbol      string   `json:"symbol,omitempty" gorm:"index"`
	Quantity    *float64 `json:"quantity,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	Fees        *float64 `json:"fees,omitempty"`

	TransactionDate *time.Time `json:"transaction_date,omitempty"`
	SettlementDate  *time.Time `json:"settlement_date,omitempty"`

	Data datatypes.JSONMap `json:"data,omitempty" gorm:"type:jsonb"`
}

// TableName sets the explicit table name.
func (Transaction) TableName() string {
	return "transactions"
}
