// Package risk implements the pre-trade risk pipeline: an ordered list of
// rules evaluated fail-fast over each order against the position table.
package risk

// Result is the outcome code of a risk check.
type Result uint8

const (
	Pass Result = iota
	RejectInsufficientFund
	RejectInsufficientPosition
	RejectPriceOutOfRange
	RejectExceedMaxOrderValue
	RejectExceedMaxOrderVolume
	RejectDuplicateOrder
	RejectRateLimited
	RejectUnknown
)

// String returns the string representation of the result
func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case RejectInsufficientFund:
		return "reject_insufficient_fund"
	case RejectInsufficientPosition:
		return "reject_insufficient_position"
	case RejectPriceOutOfRange:
		return "reject_price_out_of_range"
	case RejectExceedMaxOrderValue:
		return "reject_exceed_max_order_value"
	case RejectExceedMaxOrderVolume:
		return "reject_exceed_max_order_volume"
	case RejectDuplicateOrder:
		return "reject_duplicate_order"
	case RejectRateLimited:
		return "reject_rate_limited"
	default:
		return "reject_unknown"
	}
}

// CheckResult is the full outcome of one pipeline evaluation.
type CheckResult struct {
	Code    Result
	Message string
}

// Passed reports whether the check allowed the order through.
func (c CheckResult) Passed() bool { return c.Code == Pass }

// PassResult is the canonical passing result.
func PassResult() CheckResult { return CheckResult{Code: Pass, Message: "pass"} }

// Reject builds a rejecting result with the given code and message.
func Reject(code Result, message string) CheckResult {
	return CheckResult{Code: code, Message: message}
}
