package categorize

import (
	"strings"
	"unicode"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// defaultTable maps normalized provider category paths to the internal
// taxonomy. Keys are path segments joined with ">" after normalizeSegment.
// Both the legacy hierarchical categories and the two-level personal finance
// codes are covered.
var defaultTable = map[string]domain.Category{
	// Legacy hierarchy.
	"income":                                domain.CategoryOtherIncome,
	"income>wages":                          domain.CategorySalary,
	"transfer>payroll":                      domain.CategorySalary,
	"transfer":                              domain.CategoryInternalTransfer,
	"transfer>internal account transfer":    domain.CategoryInternalTransfer,
	"transfer>credit":                       domain.CategoryInternalTransfer,
	"transfer>debit":                        domain.CategoryInternalTransfer,
	"payment>credit card":                   domain.CategoryInternalTransfer,
	"payment>loan":                          domain.CategoryLoanPayment,
	"payment>rent":                          domain.CategoryHousing,
	"food and drink":                        domain.CategoryDining,
	"food and drink>restaurants":            domain.CategoryDining,
	"shops":                                 domain.CategoryShopping,
	"shops>supermarkets and groceries":      domain.CategoryGroceries,
	"shops>pharmacies":                      domain.CategoryHealthcare,
	"travel":                                domain.CategoryTravel,
	"travel>taxi":                           domain.CategoryTransportation,
	"travel>public transportation services": domain.CategoryTransportation,
	"travel>gas stations":                   domain.CategoryTransportation,
	"travel>parking":                        domain.CategoryTransportation,
	"service>utilities":                     domain.CategoryUtilities,
	"service>telecommunication services":    domain.CategoryUtilities,
	"service>insurance":                     domain.CategoryInsurance,
	"service>education":                     domain.CategoryEducation,
	"service>personal care":                 domain.CategoryPersonalCare,
	"service>financial>taxes":               domain.CategoryTaxes,
	"tax":                                   domain.CategoryTaxes,
	"healthcare":                            domain.CategoryHealthcare,
	"recreation":                            domain.CategoryEntertainment,
	"bank fees":                             domain.CategoryFees,
	"interest":                              domain.CategoryFees,
	"community>religious":                   domain.CategoryCharity,
	"community>charities and non profits":   domain.CategoryCharity,

	// Personal finance codes (primary, detailed).
	"income>income wages":                                             domain.CategorySalary,
	"transfer in":                                                     domain.CategoryInternalTransfer,
	"transfer out":                                                    domain.CategoryInternalTransfer,
	"loan payments":                                                   domain.CategoryLoanPayment,
	"entertainment":                                                   domain.CategoryEntertainment,
	"food and drink>food and drink groceries":                         domain.CategoryGroceries,
	"general merchandise":                                             domain.CategoryShopping,
	"home improvement":                                                domain.CategoryHousing,
	"medical":                                                         domain.CategoryHealthcare,
	"personal care":                                                   domain.CategoryPersonalCare,
	"general services>general services education":                     domain.CategoryEducation,
	"general services>general services insurance":                     domain.CategoryInsurance,
	"government and non profit>government and non profit donations":   domain.CategoryCharity,
	"government and non profit>government and non profit tax payment": domain.CategoryTaxes,
	"transportation":                                                  domain.CategoryTransportation,
	"rent and utilities":                                              domain.CategoryUtilities,
	"rent and utilities>rent and utilities rent":                      domain.CategoryHousing,
}

// normalizeSegment lower-cases a segment and collapses every run of
// non-alphanumeric characters into one space, so "FOOD_AND_DRINK" and
// "Food and Drink" match the same key.
func normalizeSegment(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

func pathKey(path []string) string {
	parts := make([]string, 0, len(path))
	for _, p := range path {
		if n := normalizeSegment(p); n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, ">")
}

// lookup returns the category for the longest mapped prefix of path.
func lookup(table map[string]domain.Category, path []string) domain.Category {
	key := pathKey(path)
	for key != "" {
		if c, ok := table[key]; ok {
			return c
		}
		i := strings.LastIndex(key, ">")
		if i < 0 {
			break
		}
		key = key[:i]
	}
	return domain.CategoryUncategorized
}
