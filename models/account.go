package models

import "time"

// Account is a resolved financial account referenced by transactions.
// The (account_number, institution) pair is unique so that concurrent
// resolve-or-create calls for the same account serialize on the index.
type Account struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name          string `json:"name"`
	AccountNumber string `json:"account_number" gorm:"index:idx_accounts_number_institution,unique;size:64;default:''"`
	Institution   string `json:"institution" gorm:"index:idx_accounts_number_institution,unique;size:128;default:''"`
	IsExternal    bool   `json:"is_external" gorm:"default:false"`
}

// TableName sets the explicit table name.
func (Account) TableName() string {
	return "accounts"
}
