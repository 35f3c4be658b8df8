package notionsync

import (
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/jomei/notionapi"
	"github.com/shopspring/decimal"
)

// Property names shared by the summary and snapshot databases.
const (
	propKey   = "Key"
	propOwner = "Owner"
)

// SummaryKey identifies the Notion row of one owner's month.
func SummaryKey(ownerID string, month domain.MonthKey) string {
	return ownerID + "/" + string(month)
}

// SnapshotKey identifies the Notion row of one owner's snapshot date.
func SnapshotKey(ownerID string, date civil.Date) string {
	return ownerID + "/" + date.String()
}

func title(s string) notionapi.TitleProperty {
	return notionapi.TitleProperty{
		Title: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
		},
	}
}

func richText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
		},
	}
}

func number(d decimal.Decimal) notionapi.NumberProperty {
	return notionapi.NumberProperty{Number: d.Round(2).InexactFloat64()}
}

func date(t time.Time) notionapi.DateProperty {
	d := notionapi.Date(t)
	return notionapi.DateProperty{Date: &notionapi.DateObject{Start: &d}}
}

func civilDate(d civil.Date) notionapi.DateProperty {
	return date(d.In(time.UTC))
}

// SummaryToNotionProperties maps a cash-flow summary to a row of the
// monthly summaries database.
func SummaryToNotionProperties(s *domain.CashFlowSummary) notionapi.Properties {
	props := notionapi.Properties{
		propKey:        title(SummaryKey(s.OwnerID, s.MonthKey)),
		propOwner:      richText(s.OwnerID),
		"Income":       number(s.TotalIncome),
		"Expense":      number(s.TotalExpense),
		"Net":          number(s.NetCashFlow),
		"Transactions": notionapi.NumberProperty{Number: float64(s.TransactionsProcessed)},
		"Computed At":  date(s.ComputedAt),
	}
	if start, _, err := s.MonthKey.Bounds(); err == nil {
		props["Month"] = civilDate(start)
	}
	if len(s.TotalsByCategory) > 0 {
		props["Categories"] = richText(formatCategoryTotals(s.TotalsByCategory))
	}
	return props
}

// formatCategoryTotals renders "Dining: -42.00; Groceries: -120.00", sorted
// by category name. Transfer-like categories are marked.
func formatCategoryTotals(totals map[domain.Category]decimal.Decimal) string {
	cats := make([]domain.Category, 0, len(totals))
	for c := range totals {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		label := string(c)
		if c.IsTransferLike() {
			label += " (transfer)"
		}
		parts = append(parts, label+": "+totals[c].StringFixed(2))
	}
	return strings.Join(parts, "; ")
}

// SnapshotToNotionProperties maps a net-worth snapshot to a row of the
// snapshots database.
func SnapshotToNotionProperties(s *domain.NetWorthSnapshot) notionapi.Properties {
	return notionapi.Properties{
		propKey:       title(SnapshotKey(s.OwnerID, s.SnapshotDate)),
		propOwner:     richText(s.OwnerID),
		"Date":        civilDate(s.SnapshotDate),
		"Assets":      number(s.TotalAssets),
		"Liabilities": number(s.TotalLiabilities),
		"Net Worth":   number(s.NetWorth),
		"Accounts":    notionapi.NumberProperty{Number: float64(s.AccountsCounted)},
	}
}

// extractKey reads the Key title of a page. Returns empty string if absent.
func extractKey(page notionapi.Page) string {
	if prop, ok := page.Properties[propKey]; ok {
		if t, ok := prop.(*notionapi.TitleProperty); ok && len(t.Title) > 0 {
			return t.Title[0].PlainText
		}
	}
	return ""
}
