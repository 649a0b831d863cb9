// Package response writes the JSON envelope every HTTP endpoint answers with.
package response

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope. Code is a stable machine-readable reason set on
// failures; Error is the human message.
type Body struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Error codes.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// Error is a failure that already knows its status and code. Handlers return it from
// services and write it with Fail.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an *Error.
func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail writes err. An *Error anywhere in the chain keeps its status and code; anything else
// becomes a 500 without leaking the cause.
func Fail(c *gin.Context, err error) {
	var e *Error
	if errors.As(err, &e) {
		write(c, e.Status, e.Code, e.Message)
		return
	}
	Internal(c, "internal error")
}

func BadRequest(c *gin.Context, msg string) { write(c, http.StatusBadRequest, CodeBadRequest, msg) }

func Unauthorized(c *gin.Context, msg string) {
	write(c, http.StatusUnauthorized, CodeUnauthorized, msg)
}

func Forbidden(c *gin.Context, msg string) { write(c, http.StatusForbidden, CodeForbidden, msg) }

func NotFound(c *gin.Context, msg string) { write(c, http.StatusNotFound, CodeNotFound, msg) }

func Conflict(c *gin.Context, msg string) { write(c, http.StatusConflict, CodeConflict, msg) }

func ServiceUnavailable(c *gin.Context, msg string) {
	write(c, http.StatusServiceUnavailable, CodeUnavailable, msg)
}

func Internal(c *gin.Context, msg string) {
	write(c, http.StatusInternalServerError, CodeInternal, msg)
}

// write aborts so middleware can answer and stop the chain in one call.
func write(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, Body{Success: false, Code: code, Error: msg})
}
