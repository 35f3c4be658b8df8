package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the internal taxonomy. The set is closed: every value a
// Transaction can carry is listed in AllCategories.
type Category string

const (
	CategorySalary           Category = "Salary"
	CategoryOtherIncome      Category = "OtherIncome"
	CategoryGroceries        Category = "Groceries"
	CategoryDining           Category = "Dining"
	CategoryTransportation   Category = "Transportation"
	CategoryHousing          Category = "Housing"
	CategoryUtilities        Category = "Utilities"
	CategoryHealthcare       Category = "Healthcare"
	CategoryEntertainment    Category = "Entertainment"
	CategoryShopping         Category = "Shopping"
	CategoryTravel           Category = "Travel"
	CategoryInsurance        Category = "Insurance"
	CategoryEducation        Category = "Education"
	CategoryPersonalCare     Category = "PersonalCare"
	CategoryFees             Category = "FeesAndCharges"
	CategoryTaxes            Category = "Taxes"
	CategoryCharity          Category = "Charity"
	CategoryInternalTransfer Category = "InternalTransfer"
	CategoryLoanPayment      Category = "LoanPayment"
	CategoryUncategorized    Category = "Uncategorized"
)

// AllCategories lists the taxonomy in display order.
var AllCategories = []Category{
	CategorySalary,
	CategoryOtherIncome,
	CategoryGroceries,
	CategoryDining,
	CategoryTransportation,
	CategoryHousing,
	CategoryUtilities,
	CategoryHealthcare,
	CategoryEntertainment,
	CategoryShopping,
	CategoryTravel,
	CategoryInsurance,
	CategoryEducation,
	CategoryPersonalCare,
	CategoryFees,
	CategoryTaxes,
	CategoryCharity,
	CategoryInternalTransfer,
	CategoryLoanPayment,
	CategoryUncategorized,
}

// ErrUnknownCategory is returned when a name is not part of the taxonomy.
var ErrUnknownCategory = errors.New("unknown category")

// transferLike categories move money between the owner's own accounts or
// household members. They are listed in cash-flow totals by category but
// never counted as income or expense.
var transferLike = map[Category]bool{
	CategoryInternalTransfer: true,
	CategoryLoanPayment:      true,
}

// ParseCategory resolves a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for _, c := range AllCategories {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Valid reports whether c belongs to the taxonomy.
func (c Category) Valid() bool {
	_, err := ParseCategory(string(c))
	return err == nil && c != ""
}

// IsTransferLike reports whether c is excluded from income and expense totals.
func (c Category) IsTransferLike() bool {
	return transferLike[c]
}

// TransferLikeCategories returns the categories excluded from income and expense.
func TransferLikeCategories() []Category {
	var out []Category
	for _, c := range AllCategories {
		if c.IsTransferLike() {
			out = append(out, c)
		}
	}
	return out
}

func (c Category) String() string { return string(c) }
