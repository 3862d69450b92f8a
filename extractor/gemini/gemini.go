package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"mail-ledger/config"
	"mail-ledger/extractor"
	"mail-ledger/models"
)

// Fetcher runs extraction calls against the Gemini API.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
	client *genai.Client
}

// NewFetcher creates a Gemini-backed extraction invoker.
func NewFetcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Fetcher, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.GeminiAPIKey,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Fetcher{Config: cfg, Logger: logger, client: client}, nil
}

// Name returns the backend name.
func (f *Fetcher) Name() string {
	return "gemini"
}

// Extract sends one email through the model and decodes the strict-JSON
// response into an extraction document.
func (f *Fetcher) Extract(ctx context.Context, email *models.Email, modelName, promptText string) (*extractor.Document, error) {
	fullPrompt := promptText + "\n\n" + outputContract

	body := fmt.Sprintf("Subject: %s\nFrom: %s\n\n%s", email.Subject, email.Sender, email.Content)

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: fullPrompt},
				{Text: body},
			},
		},
	}

	resp, err := f.client.Models.GenerateContent(ctx, modelName, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	rawText := resp.Text()
	if rawText == "" {
		return nil, fmt.Errorf("gemini: empty response from model")
	}

	clean := cleanModelJSON(rawText)

	var doc extractor.Document
	if err := json.Unmarshal([]byte(clean), &doc); err != nil {
		f.Logger.Debug("Unparseable model output", zap.String("raw", rawText))
		return nil, fmt.Errorf("gemini: unmarshal response: %w", err)
	}

	return &doc, nil
}

// outputContract pins the response shape. The task-specific part of the
// prompt comes from the prompts table (or a literal override).
const outputContract = `Output STRICT JSON only (no comments, no trailing commas, no extra text).
Output a single JSON object with these fields:
- "is_transactional": boolean
- "email_type": string, one of "transaction" or "evidence"
- "transactions": array of objects, each with any of: "type", "amount",
  "currency", "symbol", "quantity", "price", "fees", "description",
  "transaction_date" (YYYY-MM-DD), "settlement_date" (YYYY-MM-DD),
  "account_number", "account_name", "institution", "to_account_number",
  "to_account_name", "to_institution", plus any extra fields you find
- "extraction_notes": string or null
- "discussion_summary": string or null (only for email_type "evidence")
- "related_reference_numbers": array of strings

Return ONLY valid raw JSON.
Do NOT wrap the response in code fences.
Do NOT use ` + "```json" + ` or any Markdown.
Output must begin with "{" and end with "}".`

// cleanModelJSON strips Markdown fences the model sometimes adds despite
// instructions.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	return strings.TrimSpace(s)
}
