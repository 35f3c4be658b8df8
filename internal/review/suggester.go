// Package review proposes categories for transactions that the provider
// mapping left Uncategorized. Suggestions are advisory: they are shown in
// the review queue and only a human override changes a transaction.
package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"google.golang.org/genai"
)

// DefaultModelName is the Gemini model used when none is configured.
const DefaultModelName = "gemini-2.5-flash"

// ContentGenerator is the subset of *genai.Models used here.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiSuggester asks a Gemini model to pick one category of the taxonomy.
type GeminiSuggester struct {
	models ContentGenerator
	model  string
}

// NewGeminiSuggester creates a suggester backed by the Gemini API. The
// client reads its credentials from the environment (GOOGLE_API_KEY or
// Vertex AI settings).
func NewGeminiSuggester(ctx context.Context, model string) (*GeminiSuggester, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1beta"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiSuggester: create genai client: %w", err)
	}
	return NewSuggester(client.Models, model), nil
}

// NewSuggester wraps an existing generator.
func NewSuggester(models ContentGenerator, model string) *GeminiSuggester {
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiSuggester{models: models, model: model}
}

// suggestable lists the categories a model may answer with. Uncategorized
// is excluded since suggesting it is no suggestion at all.
func suggestable() []string {
	out := make([]string, 0, len(domain.AllCategories))
	for _, c := range domain.AllCategories {
		if c == domain.CategoryUncategorized {
			continue
		}
		out = append(out, string(c))
	}
	return out
}

const systemPrompt = "You categorize personal bank transactions.\n" +
	"Answer with exactly one category name from the allowed list and nothing else.\n" +
	"Positive amounts are money received, negative amounts are money spent.\n" +
	"Movements between the owner's own accounts are InternalTransfer."

// SuggestCategory returns the model's category for tx. An answer outside
// the taxonomy is an error.
func (s *GeminiSuggester) SuggestCategory(ctx context.Context, tx *domain.Transaction) (domain.Category, error) {
	prompt := buildPrompt(tx)

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "text/x.enum",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeString,
			Enum: suggestable(),
		},
	}
	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: prompt}}},
	}

	resp, err := s.models.GenerateContent(ctx, s.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("SuggestCategory: generate content: %w", err)
	}

	raw := strings.Trim(strings.TrimSpace(resp.Text()), "\"`")
	if raw == "" {
		return "", fmt.Errorf("SuggestCategory: empty response from model")
	}
	c, err := domain.ParseCategory(raw)
	if err != nil {
		return "", fmt.Errorf("SuggestCategory: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("transaction_id", tx.ID).
		Str("suggestion", string(c)).
		Msg("Category suggested")
	return c, nil
}

func buildPrompt(tx *domain.Transaction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Allowed categories: %s\n\n", strings.Join(suggestable(), ", "))
	fmt.Fprintf(&b, "Merchant: %s\n", tx.MerchantLabel)
	fmt.Fprintf(&b, "Amount: %s %s\n", tx.Amount.StringFixed(2), tx.CurrencyCode)
	fmt.Fprintf(&b, "Date: %s\n", tx.OccurredOn)
	if tx.AccountType != "" {
		fmt.Fprintf(&b, "Account type: %s\n", tx.AccountType)
	}
	if len(tx.ProviderCategoryPath) > 0 {
		fmt.Fprintf(&b, "Provider category: %s\n", strings.Join(tx.ProviderCategoryPath, " > "))
	}
	return b.String()
}
