package services

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"mail-ledger/models"
)

// dataPrefix marks free-form map fields in QA corrections, e.g.
// "data.ticker". Anything else names a typed transaction column.
const dataPrefix = "data."

// transactionColumns is the closed set of typed columns QA corrections
// may address by bare name.
var transactionColumns = map[string]struct{}{
	"type":             {},
	"description":      {},
	"amount":           {},
	"currency":         {},
	"symbol":           {},
	"quantity":         {},
	"price":            {},
	"fees":             {},
	"transaction_date": {},
	"settlement_date":  {},
}

// isTransactionColumn reports whether field names a typed column.
func isTransactionColumn(field string) bool {
	_, ok := transactionColumns[field]
	return ok
}

// setTransactionColumn writes a coerced value into a typed column.
// Returns false for unknown fields or uncoercible values.
func setTransactionColumn(tx *models.Transaction, field string, v any) bool {
	switch field {
	case "type":
		s, ok := coerceString(v)
		if !ok {
			return false
		}
		tx.Type = s
	case "description":
		s, ok := coerceString(v)
		if !ok {
			return false
		}
		tx.Description = s
	case "currency":
		s, ok := coerceString(v)
		if !ok {
			return false
		}
		tx.Currency = s
	case "symbol":
		s, ok := coerceString(v)
		if !ok {
			return false
		}
		tx.Symbol = s
	case "amount":
		f, ok := coerceFloat(v)
		if !ok {
			return false
		}
		tx.Amount = &f
	case "quantity":
		f, ok := coerceFloat(v)
		if !ok {
			return false
		}
		tx.Quantity = &f
	case "price":
		f, ok := coerceFloat(v)
		if !ok {
			return false
		}
		tx.Price = &f
	case "fees":
		f, ok := coerceFloat(v)
		if !ok {
			return false
		}
		tx.Fees = &f
	case "transaction_date":
		t, ok := coerceDate(v)
		if !ok {
			return false
		}
		tx.TransactionDate = &t
	case "settlement_date":
		t, ok := coerceDate(v)
		if !ok {
			return false
		}
		tx.SettlementDate = &t
	default:
		return false
	}
	return true
}

// transactionColumnValue reads a typed column for diffing.
func transactionColumnValue(tx *models.Transaction, field string) any {
	switch field {
	case "type":
		return tx.Type
	case "description":
		return tx.Description
	case "currency":
		return tx.Currency
	case "symbol":
		return tx.Symbol
	case "amount":
		return floatOrNil(tx.Amount)
	case "quantity":
		return floatOrNil(tx.Quantity)
	case "price":
		return floatOrNil(tx.Price)
	case "fees":
		return floatOrNil(tx.Fees)
	case "transaction_date":
		return dateOrNil(tx.TransactionDate)
	case "settlement_date":
		return dateOrNil(tx.SettlementDate)
	}
	return nil
}

// transactionColumnEmpty reports whether a typed column carries no
// value, which is what makes it a merge target.
func transactionColumnEmpty(tx *models.Transaction, field string) bool {
	switch field {
	case "type":
		return tx.Type == ""
	case "description":
		return tx.Description == ""
	case "currency":
		return tx.Currency == ""
	case "symbol":
		return tx.Symbol == ""
	case "amount":
		return tx.Amount == nil
	case "quantity":
		return tx.Quantity == nil
	case "price":
		return tx.Price == nil
	case "fees":
		return tx.Fees == nil
	case "transaction_date":
		return tx.TransactionDate == nil
	case "settlement_date":
		return tx.SettlementDate == nil
	}
	return false
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func dateOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

// coerceString accepts strings and stringifiable numbers.
func coerceString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// coerceFloat accepts numbers and numeric strings.
func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// coerceBool accepts bools and the usual string spellings.
func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		if s == "true" || s == "1" || s == "yes" {
			return true, true
		}
		if s == "false" || s == "0" || s == "no" {
			return false, true
		}
		return false, false
	case float64:
		return t != 0, true
	default:
		return false, false
	}
}

// coerceDate accepts YYYY-MM-DD strings.
func coerceDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
