// Package apperr defines the flat error taxonomy returned across the RPC
// boundary. Domain packages declare their sentinels with New so that
// handlers, the MCP server and tests can recover the Kind with KindOf.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/satsafe/escrowd/internal/logging"
)

// Kind is the wire name of an error variant.
type Kind string

const (
	NotFound           Kind = "NotFound"
	Unauthorized       Kind = "Unauthorized"
	InvalidStatus      Kind = "InvalidStatus"
	InsufficientFunds  Kind = "InsufficientFunds"
	TimeLockNotExpired Kind = "TimeLockNotExpired"
	AlreadyConfirmed   Kind = "AlreadyConfirmed"
	InvalidAmount      Kind = "InvalidAmount"
	InvalidAddress     Kind = "InvalidAddress"
	Conflict           Kind = "Conflict"
	InvalidRequest     Kind = "InvalidRequest"
	InternalError      Kind = "InternalError"
)

// Error carries a Kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// New declares a sentinel of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Internal builds an InternalError with detail.
func Internal(format string, args ...any) *Error {
	return &Error{Kind: InternalError, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain. Unclassified
// errors are InternalError; nil is the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status code used by the JSON API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusForbidden
	case InvalidStatus, AlreadyConfirmed, Conflict:
		return http.StatusConflict
	case TimeLockNotExpired:
		return http.StatusPreconditionFailed
	case InsufficientFunds:
		return http.StatusPaymentRequired
	case InvalidAmount, InvalidAddress, InvalidRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Respond writes err as {"error": kind, "message": ...}. Internal errors are
// logged with full detail and surfaced opaquely.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	msg := err.Error()
	if kind == InternalError {
		logging.L(c.Request.Context()).Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		msg = "internal error"
	}
	c.JSON(HTTPStatus(kind), gin.H{"error": string(kind), "message": msg})
}

// BadRequest responds with InvalidRequest and optional details.
func BadRequest(c *gin.Context, message string, details any) {
	body := gin.H{"error": string(InvalidRequest), "message": message}
	if details != nil {
		body["details"] = details
	}
	c.JSON(http.StatusBadRequest, body)
}
