package repository

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal amount into a pgtype.Numeric for
// binding. The conversion is exact: coefficient and exponent carry over.
func numericFromDecimal(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// decimalFromNumeric converts a scanned NUMERIC column into a decimal amount.
// NULL scans as zero.
func decimalFromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

// UUIDString formats a pgtype.UUID for logging and external references.
func UUIDString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x",
		u.Bytes[0:4],
		u.Bytes[4:6],
		u.Bytes[6:8],
		u.Bytes[8:10],
		u.Bytes[10:16])
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// decodeVendorCodes unpacks a plan's vendor_plan_codes JSON object.
// Malformed or empty data decodes to an empty map.
func decodeVendorCodes(raw []byte) map[string]string {
	codes := make(map[string]string)
	if len(raw) == 0 {
		return codes
	}
	_ = json.Unmarshal(raw, &codes)
	return codes
}

// VendorCode looks up the plan code registered for a vendor ("stripe",
// "paystack", "woocommerce", "panel"). Empty string when absent.
func (p Plan) VendorCode(vendor string) string {
	return decodeVendorCodes(p.VendorPlanCodes)[vendor]
}
