package review

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/shopspring/decimal"
	"google.golang.org/genai"
)

type mockGenerator struct {
	GenerateContentFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (m *mockGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return m.GenerateContentFunc(ctx, model, contents, config)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}}},
		},
	}
}

func testTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:                   "tx-1",
		MerchantLabel:        "Blue Bottle Coffee",
		Amount:               decimal.RequireFromString("-4.50"),
		CurrencyCode:         "USD",
		OccurredOn:           civil.Date{Year: 2025, Month: 3, Day: 14},
		ProviderCategoryPath: []string{"Shops"},
	}
}

func TestSuggestCategory(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		genErr  error
		want    domain.Category
		wantErr bool
	}{
		{name: "exact", answer: "Dining", want: domain.CategoryDining},
		{name: "padded and quoted", answer: " \"groceries\"\n", want: domain.CategoryGroceries},
		{name: "outside taxonomy", answer: "Coffee", wantErr: true},
		{name: "empty", answer: "", wantErr: true},
		{name: "api error", genErr: errors.New("quota exceeded"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &mockGenerator{
				GenerateContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
					if tt.genErr != nil {
						return nil, tt.genErr
					}
					return textResponse(tt.answer), nil
				},
			}
			got, err := NewSuggester(gen, "").SuggestCategory(context.Background(), testTransaction())
			if (err != nil) != tt.wantErr {
				t.Fatalf("SuggestCategory() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SuggestCategory() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSuggestCategory_Request(t *testing.T) {
	var gotModel string
	var gotConfig *genai.GenerateContentConfig
	var gotPrompt string
	gen := &mockGenerator{
		GenerateContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			gotModel = model
			gotConfig = config
			gotPrompt = contents[0].Parts[0].Text
			return textResponse("Dining"), nil
		},
	}

	if _, err := NewSuggester(gen, "").SuggestCategory(context.Background(), testTransaction()); err != nil {
		t.Fatal(err)
	}
	if gotModel != DefaultModelName {
		t.Errorf("model = %q, want %q", gotModel, DefaultModelName)
	}
	if gotConfig.ResponseSchema == nil || len(gotConfig.ResponseSchema.Enum) != len(domain.AllCategories)-1 {
		t.Fatalf("response schema enum not constrained to the taxonomy: %+v", gotConfig.ResponseSchema)
	}
	for _, c := range gotConfig.ResponseSchema.Enum {
		if c == string(domain.CategoryUncategorized) {
			t.Error("Uncategorized must not be offered")
		}
	}
	for _, want := range []string{"Blue Bottle Coffee", "-4.50 USD", "2025-03-14", "Provider category: Shops"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gotPrompt)
		}
	}
}
