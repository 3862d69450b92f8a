package extractor

import (
	"context"

	"mail-ledger/models"
)

// Email type labels the model may return.
const (
	EmailTypeTransaction = "transaction"
	EmailTypeEvidence    = "evidence"
)

// Item is one transaction candidate as returned by the model. Fields are
// free-form; the materializer coerces known columns and routes the rest
// into the transaction's data map.
type Item map[string]any

// Document is the structured result of one extraction call.
type Document struct {
	IsTransactional         bool     `json:"is_transactional"`
	EmailType               string   `json:"email_type"`
	Transactions            []Item   `json:"transactions"`
	ExtractionNotes         string   `json:"extraction_notes,omitempty"`
	DiscussionSummary       string   `json:"discussion_summary,omitempty"`
	RelatedReferenceNumbers []string `json:"related_reference_numbers,omitempty"`
}

// Invoker is the contract every extraction backend must implement.
// Extract runs one email through the model and returns the structured
// extraction document, or an error when the call itself failed.
type Invoker interface {
	Extract(ctx context.Context, email *models.Email, modelName, promptText string) (*Document, error)

	// Name returns the unique backend name (e.g. "gemini").
	Name() string
}
