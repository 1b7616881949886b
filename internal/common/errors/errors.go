// Package errors defines the structured error model of the account service:
// every error carries a domain, a code and a deterministic severity, and is
// recorded in a process-wide registry that drives the shutdown flag.
package errors

import (
	"fmt"

	"github.com/tradecore/acctsvc/internal/common/timeutil"
)

// Domain identifies the subsystem an error originated in.
type Domain uint8

const (
	DomainNone Domain = iota
	DomainConfig
	DomainShm
	DomainCore
	DomainOrder
	DomainRisk
	DomainPortfolio
	DomainAPI
)

// String returns the string representation of the domain
func (d Domain) String() string {
	switch d {
	case DomainConfig:
		return "config"
	case DomainShm:
		return "shm"
	case DomainCore:
		return "core"
	case DomainOrder:
		return "order"
	case DomainRisk:
		return "risk"
	case DomainPortfolio:
		return "portfolio"
	case DomainAPI:
		return "api"
	default:
		return "none"
	}
}

// Code represents different types of errors in the system
type Code uint16

const (
	Ok Code = iota
	InvalidConfig
	InvalidParam
	ConfigParseFailed
	ConfigValidateFailed
	InvalidState
	InvalidOrderID
	DuplicateOrder
	OrderBookFull
	OrderNotFound
	OrderPoolFull
	QueueFull
	QueuePushFailed
	QueuePopFailed
	RouteFailed
	SplitFailed
	PositionUpdateFailed
	OrderInvariantBroken
	ComponentUnavailable
	ShmOpenFailed
	ShmStatFailed
	ShmResizeFailed
	ShmMmapFailed
	ShmHeaderInvalid
	ShmHeaderCorrupted
	HealthCheckFailed
	LoggerInitFailed
	LoggerQueueFull
	InternalError

	codeCount
)

var codeNames = map[Code]string{
	Ok:                   "OK",
	InvalidConfig:        "INVALID_CONFIG",
	InvalidParam:         "INVALID_PARAM",
	ConfigParseFailed:    "CONFIG_PARSE_FAILED",
	ConfigValidateFailed: "CONFIG_VALIDATE_FAILED",
	InvalidState:         "INVALID_STATE",
	InvalidOrderID:       "INVALID_ORDER_ID",
	DuplicateOrder:       "DUPLICATE_ORDER",
	OrderBookFull:        "ORDER_BOOK_FULL",
	OrderNotFound:        "ORDER_NOT_FOUND",
	OrderPoolFull:        "ORDER_POOL_FULL",
	QueueFull:            "QUEUE_FULL",
	QueuePushFailed:      "QUEUE_PUSH_FAILED",
	QueuePopFailed:       "QUEUE_POP_FAILED",
	RouteFailed:          "ROUTE_FAILED",
	SplitFailed:          "SPLIT_FAILED",
	PositionUpdateFailed: "POSITION_UPDATE_FAILED",
	OrderInvariantBroken: "ORDER_INVARIANT_BROKEN",
	ComponentUnavailable: "COMPONENT_UNAVAILABLE",
	ShmOpenFailed:        "SHM_OPEN_FAILED",
	ShmStatFailed:        "SHM_STAT_FAILED",
	ShmResizeFailed:      "SHM_RESIZE_FAILED",
	ShmMmapFailed:        "SHM_MMAP_FAILED",
	ShmHeaderInvalid:     "SHM_HEADER_INVALID",
	ShmHeaderCorrupted:   "SHM_HEADER_CORRUPTED",
	HealthCheckFailed:    "HEALTH_CHECK_FAILED",
	LoggerInitFailed:     "LOGGER_INIT_FAILED",
	LoggerQueueFull:      "LOGGER_QUEUE_FULL",
	InternalError:        "INTERNAL_ERROR",
}

// String returns the string representation of the code
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Severity classifies how the service must react to an error.
type Severity uint8

const (
	// SeverityRecoverable errors are recorded and the operation fails locally.
	SeverityRecoverable Severity = iota
	// SeverityCritical errors require the loops to exit promptly.
	SeverityCritical
	// SeverityFatal errors additionally hint that the process should exit.
	SeverityFatal
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "recoverable"
	}
}

// Classify maps an error code to its severity. The mapping is total and
// deterministic; unknown codes are treated as recoverable.
func Classify(code Code) Severity {
	switch code {
	case InvalidConfig, ConfigParseFailed, ConfigValidateFailed, InvalidState,
		ComponentUnavailable, ShmOpenFailed, ShmStatFailed, ShmResizeFailed,
		ShmMmapFailed, ShmHeaderInvalid, LoggerInitFailed:
		return SeverityCritical
	case PositionUpdateFailed, OrderInvariantBroken, ShmHeaderCorrupted, InternalError:
		return SeverityFatal
	default:
		return SeverityRecoverable
	}
}

// Status is a recorded error occurrence.
type Status struct {
	Domain  Domain `json:"domain"`
	Code    Code   `json:"code"`
	Errno   int    `json:"errno,omitempty"`
	TsNs    uint64 `json:"ts_ns"`
	Module  string `json:"module"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// Ok reports whether the status carries no error.
func (s Status) Ok() bool { return s.Code == Ok }

// Severity returns the severity derived from the status code.
func (s Status) Severity() Severity { return Classify(s.Code) }

// Error implements the error interface
func (s Status) Error() string {
	if s.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %s (caused by: %v)", s.Domain, s.Code, s.Module, s.Message, s.Cause)
	}
	return fmt.Sprintf("%s/%s: %s: %s", s.Domain, s.Code, s.Module, s.Message)
}

// Unwrap returns the underlying cause
func (s Status) Unwrap() error { return s.Cause }

// New creates a new Status stamped with the current time.
func New(domain Domain, code Code, module, message string) Status {
	return Status{
		Domain:  domain,
		Code:    code,
		TsNs:    timeutil.NowNs(),
		Module:  module,
		Message: message,
	}
}

// Newf creates a new Status with a formatted message.
func Newf(domain Domain, code Code, module, format string, args ...interface{}) Status {
	return New(domain, code, module, fmt.Sprintf(format, args...))
}

// Wrap creates a new Status that carries an underlying cause.
func Wrap(cause error, domain Domain, code Code, module, message string) Status {
	s := New(domain, code, module, message)
	s.Cause = cause
	return s
}
