// Package errs defines the non-fatal error taxonomy of spec §7. Every
// component returns these as values — never as exceptions — so callers can
// classify with errors.Is/errors.As instead of parsing strings.
//
// Grounded on internal/order/async_executor.go's isRetryableError
// classification idiom from the teacher, generalized from a single
// retry/no-retry boolean into named sentinel kinds.
package errs

import "errors"

// Sentinel errors for conditions with no further structure.
var (
	// ErrAdmissionDenied: AWG denied a call. Non-fatal — caller backs off or skips.
	ErrAdmissionDenied = errors.New("awg: admission denied")
	// ErrInsufficientReserve: Shadow Balance could not reserve the requested amount.
	ErrInsufficientReserve = errors.New("shadow: insufficient reserve")
	// ErrIdempotentSuccess: an operation that looks like a failure is actually
	// a duplicate of an already-applied terminal effect (e.g. cancel on an
	// already-canceled order, code -2011 "Unknown order").
	ErrIdempotentSuccess = errors.New("idempotent success")
	// ErrDivergence: ledger/exchange balances disagree beyond threshold.
	ErrDivergence = errors.New("ssot: divergence detected")
	// ErrFatal: repeated panics or failed persistence, escalated to the risk breaker.
	ErrFatal = errors.New("fatal")
)

// RejectKind classifies an ExchangeReject per spec §7.
type RejectKind int

const (
	RejectOther RejectKind = iota
	RejectMakerViolation
	RejectMinNotional
	RejectLotSize
	RejectInsufficientBalance
)

func (k RejectKind) String() string {
	switch k {
	case RejectMakerViolation:
		return "maker_violation"
	case RejectMinNotional:
		return "min_notional"
	case RejectLotSize:
		return "lot_size"
	case RejectInsufficientBalance:
		return "insufficient_balance"
	default:
		return "other"
	}
}

// ExchangeReject wraps a rejection returned by the exchange, carrying its
// classified kind and the raw exchange error code.
type ExchangeReject struct {
	Kind RejectKind
	Code int
	Msg  string
}

func (e *ExchangeReject) Error() string {
	return "exchange reject [" + e.Kind.String() + "]: " + e.Msg
}

// RateLimited wraps an upstream rate-limit error code (-1003, 429, 418,
// -1015) that must feed AWG's error channel and may induce a circuit step.
type RateLimited struct {
	Code int
	Msg  string
}

func (e *RateLimited) Error() string { return "rate limited: " + e.Msg }

// IsRateLimitCode reports whether code is one of the codes AWG treats as a
// rate-limit signal per spec §4.1/§7.
func IsRateLimitCode(code int) bool {
	switch code {
	case -1003, 429, 418, -1015:
		return true
	default:
		return false
	}
}

// IsCircuitErrorCode reports whether code counts toward the circuit
// breaker's consecutive-error trigger per spec §4.1 (a superset of the
// rate-limit codes that also includes -1021).
func IsCircuitErrorCode(code int) bool {
	switch code {
	case -1003, 429, 418, -1021, -1015:
		return true
	default:
		return false
	}
}

// IsIdempotentCancelCode reports whether a cancel error code must be
// treated as idempotent success per spec §4.3.4/§7/§9(c).
func IsIdempotentCancelCode(code int, msg string) bool {
	if code == -2011 {
		return true
	}
	return msg == "Unknown order"
}

// ClassifyReject maps a raw exchange error code/message to a RejectKind.
// Grounded on the spec's §7 taxonomy; the exact code table mirrors common
// Binance spot error codes.
func ClassifyReject(code int, msg string) RejectKind {
	switch code {
	case -2010:
		return RejectInsufficientBalance
	case -1013:
		return RejectLotSize
	case -1111, -1100:
		return RejectLotSize
	case -2021:
		return RejectMakerViolation
	default:
		return RejectOther
	}
}
