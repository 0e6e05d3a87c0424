// Package apierr defines the control plane's closed error-code taxonomy and
// renders it as an RFC 7807 problem document.
package apierr

import "net/http"

// Code is one of the closed set of error codes the core emits. New codes are
// a deliberate, reviewed addition — handlers must not invent ad hoc strings.
type Code string

const (
	// Enrollment
	InvalidToken        Code = "InvalidToken"
	InsecureTransport   Code = "InsecureTransport"
	InvalidPlatform     Code = "InvalidPlatform"
	InvalidCertificate  Code = "InvalidCertificate"
	CertificateTooLarge Code = "CertificateTooLarge"
	KeyMismatch         Code = "KeyMismatch"
	CryptoError         Code = "CryptoError"

	// Certificate
	CertNull                  Code = "Null"
	CertExpired               Code = "Expired"
	CertNotYetValid           Code = "NotYetValid"
	CertChainMissing          Code = "ChainMissing"
	CertChainValidationFailed Code = "ChainValidationFailed"
	CertChainBuildError       Code = "ChainBuildError"
	CertMissingCN             Code = "MissingCN"
	CertInvalidCNFormat       Code = "InvalidCNFormat"
	CertInvalidNodeID         Code = "InvalidNodeId"

	// Command
	NotEnrolled       Code = "NotEnrolled"
	PayloadTooLarge   Code = "PayloadTooLarge"
	PayloadTooDeep    Code = "PayloadTooDeep"
	InvalidPayload    Code = "InvalidPayload"
	NullPayload       Code = "NullPayload"
	UnknownCommandType Code = "UnknownCommandType"
	ExecutionException Code = "ExecutionException"
	BlockedPattern     Code = "BlockedPattern"
	CommandNotFound    Code = "CommandNotFound"

	// Node
	NodeNotFound        Code = "NodeNotFound"
	NodeDecommissioned  Code = "NodeDecommissioned"
	AlreadyInMaintenance Code = "AlreadyInMaintenance"
	NotInMaintenance    Code = "NotInMaintenance"
	NameAlreadyExists   Code = "NameAlreadyExists"

	// Capacity
	ReservationNotFound  Code = "ReservationNotFound"
	ReservationExpired   Code = "ReservationExpired"
	InsufficientMemory   Code = "InsufficientMemory"
	InsufficientDisk     Code = "InsufficientDisk"

	// Cross-cutting
	Unauthorized Code = "Unauthorized"
	Internal     Code = "InternalError"
)

// httpStatus maps each code to the HTTP status used when rendering it as a
// problem document. Codes absent from this map render as 500 — a reminder to
// add an explicit mapping for any new code rather than leak a default.
var httpStatus = map[Code]int{
	InvalidToken:        http.StatusUnauthorized,
	InsecureTransport:   http.StatusBadRequest,
	InvalidPlatform:     http.StatusBadRequest,
	InvalidCertificate:  http.StatusBadRequest,
	CertificateTooLarge: http.StatusBadRequest,
	KeyMismatch:         http.StatusBadRequest,
	CryptoError:         http.StatusInternalServerError,

	CertNull:                  http.StatusBadRequest,
	CertExpired:               http.StatusUnauthorized,
	CertNotYetValid:           http.StatusUnauthorized,
	CertChainMissing:          http.StatusUnauthorized,
	CertChainValidationFailed: http.StatusUnauthorized,
	CertChainBuildError:       http.StatusUnauthorized,
	CertMissingCN:             http.StatusUnauthorized,
	CertInvalidCNFormat:       http.StatusUnauthorized,
	CertInvalidNodeID:         http.StatusUnauthorized,

	NotEnrolled:        http.StatusForbidden,
	PayloadTooLarge:    http.StatusRequestEntityTooLarge,
	PayloadTooDeep:     http.StatusBadRequest,
	InvalidPayload:     http.StatusBadRequest,
	NullPayload:        http.StatusBadRequest,
	UnknownCommandType: http.StatusBadRequest,
	ExecutionException: http.StatusInternalServerError,
	BlockedPattern:     http.StatusUnprocessableEntity,
	CommandNotFound:    http.StatusNotFound,

	NodeNotFound:         http.StatusNotFound,
	NodeDecommissioned:   http.StatusConflict,
	AlreadyInMaintenance: http.StatusConflict,
	NotInMaintenance:     http.StatusConflict,
	NameAlreadyExists:    http.StatusConflict,

	ReservationNotFound: http.StatusNotFound,
	ReservationExpired:  http.StatusConflict,
	InsufficientMemory:  http.StatusConflict,
	InsufficientDisk:    http.StatusConflict,

	Unauthorized: http.StatusNotFound, // authorization failures mirror not-found — never leak existence
	Internal:     http.StatusInternalServerError,
}

// Status returns the HTTP status this code renders as.
func (c Code) Status() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a typed, wire-safe error. Detail is generic prose shown to
// operators; the caller is responsible for logging the full internal detail
// separately, keyed by CorrelationID.
type Error struct {
	Code          Code
	Detail        string
	CorrelationID string
	cause         error
}

func New(code Code, detail, correlationID string) *Error {
	return &Error{Code: code, Detail: detail, CorrelationID: correlationID}
}

// Wrap attaches an internal cause without exposing it on the wire; callers
// should log err.Unwrap() against the correlation ID, never render it.
func Wrap(code Code, detail, correlationID string, cause error) *Error {
	return &Error{Code: code, Detail: detail, CorrelationID: correlationID, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Detail + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.cause }

// ProblemDocument is the RFC 7807 wire representation.
type ProblemDocument struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance,omitempty"`
	TraceID       string `json:"traceId"`
	ErrorCode     Code   `json:"errorCode"`
}

// Problem renders e as an RFC 7807 problem document. instance is typically
// the request path.
func (e *Error) Problem(instance string) ProblemDocument {
	return ProblemDocument{
		Type:      "https://fleetward.dev/errors/" + string(e.Code),
		Title:     string(e.Code),
		Status:    e.Code.Status(),
		Detail:    e.Detail,
		Instance:  instance,
		TraceID:   e.CorrelationID,
		ErrorCode: e.Code,
	}
}
