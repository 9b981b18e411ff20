package db

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// Numeric converts a decimal into the pgx NUMERIC representation
func Numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// Decimal converts a NUMERIC column into a decimal. NULL becomes zero.
func Decimal(n pgtype.Numeric) (decimal.Decimal, error) {
	if n.Valid && (n.NaN || n.InfinityModifier != pgtype.Finite) {
		return decimal.Zero, fmt.Errorf("non-finite numeric value")
	}
	if !n.Valid || n.Int == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}
