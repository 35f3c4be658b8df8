package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/Rhymond/go-money"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// formatMoney renders d in the currency's display form, e.g. "-$1,204.50".
// Unknown codes fall back to "1204.50 XYZ".
func formatMoney(d decimal.Decimal, code string) string {
	cur := money.GetCurrency(strings.ToUpper(code))
	if cur == nil {
		return strings.TrimSpace(d.StringFixed(2) + " " + code)
	}
	minor := d.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, cur.Code).Display()
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printTransactions(w io.Writer, txs []*domain.Transaction, currency string) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "DATE\tID\tACCOUNT\tMERCHANT\tAMOUNT\tCATEGORY\tREVIEWED")
	for _, tx := range txs {
		cur := tx.CurrencyCode
		if cur == "" {
			cur = currency
		}
		reviewed := ""
		if tx.IsUserReviewed {
			reviewed = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.OccurredOn, tx.ID, tx.AccountID, tx.MerchantLabel,
			formatMoney(tx.Amount, cur), tx.AssignedCategory, reviewed)
	}
	return tw.Flush()
}

func printSummary(w io.Writer, s *domain.CashFlowSummary, currency string) error {
	fmt.Fprintf(w, "Cash flow for %s, %s (%d transactions)\n\n", s.OwnerID, s.MonthKey, s.TransactionsProcessed)

	cats := make([]domain.Category, 0, len(s.TotalsByCategory))
	for c := range s.TotalsByCategory {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	tw := newTable(w)
	fmt.Fprintln(tw, "CATEGORY\tTOTAL\t")
	for _, c := range cats {
		note := ""
		if c.IsTransferLike() {
			note = "transfer, excluded"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c, formatMoney(s.TotalsByCategory[c], currency), note)
	}
	fmt.Fprintln(tw, "\t\t")
	fmt.Fprintf(tw, "Income\t%s\t\n", formatMoney(s.TotalIncome, currency))
	fmt.Fprintf(tw, "Expense\t%s\t\n", formatMoney(s.TotalExpense, currency))
	fmt.Fprintf(tw, "Net\t%s\t\n", formatMoney(s.NetCashFlow, currency))
	return tw.Flush()
}

func printSnapshot(w io.Writer, s *domain.NetWorthSnapshot, currency string) error {
	fmt.Fprintf(w, "Net worth for %s on %s (%d accounts)\n\n", s.OwnerID, s.SnapshotDate, s.AccountsCounted)

	tw := newTable(w)
	fmt.Fprintln(tw, "SIDE\tGROUP\tBALANCE")
	for _, side := range []struct {
		name  string
		parts map[string]decimal.Decimal
	}{{"asset", s.AssetBreakdown}, {"liability", s.LiabilityBreakdown}} {
		keys := make([]string, 0, len(side.parts))
		for k := range side.parts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", side.name, k, formatMoney(side.parts[k], currency))
		}
	}
	fmt.Fprintln(tw, "\t\t")
	fmt.Fprintf(tw, "Assets\t\t%s\n", formatMoney(s.TotalAssets, currency))
	fmt.Fprintf(tw, "Liabilities\t\t%s\n", formatMoney(s.TotalLiabilities, currency))
	fmt.Fprintf(tw, "Net worth\t\t%s\n", formatMoney(s.NetWorth, currency))
	return tw.Flush()
}

// monthRange lists every month from from to to inclusive.
func monthRange(from, to string) ([]domain.MonthKey, error) {
	start, err := domain.ParseMonthKey(from)
	if err != nil {
		return nil, err
	}
	end, err := domain.ParseMonthKey(to)
	if err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("month range %s..%s is reversed", start, end)
	}
	first, _, _ := start.Bounds()
	var months []domain.MonthKey
	for d := first; ; d = d.AddMonths(1) {
		m := domain.MonthKeyOf(d)
		if m > end {
			break
		}
		months = append(months, m)
	}
	return months, nil
}
