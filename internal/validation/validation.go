// Package validation provides input limits and validation helpers for the
// abuse API boundary.
package validation

import (
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (256KB)
const MaxRequestSize = 256 << 10

// Field length caps applied when normalizing submissions.
const (
	MaxNameLength         = 256
	MaxEmailLength        = 320
	MaxEmailDomainLength  = 255
	MaxPhoneLength        = 64
	MaxHoneypotLength     = 1024
	MaxUserAgentLength    = 2048
	MaxChallengeTokenLen  = 2048
	MaxIdentifierLength   = 256
	MaxKeystrokeIntervals = 10000
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, drops NUL bytes and truncates to maxLen
// bytes without splitting a UTF-8 sequence.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// IsValidIdentifier reports whether s can key rate-limit and audit records:
// non-empty, bounded, printable and free of whitespace.
func IsValidIdentifier(s string) bool {
	if s == "" || len(s) > MaxIdentifierLength {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IdentifierParamMiddleware rejects malformed :identifier URL parameters.
func IdentifierParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("identifier"); id != "" && !IsValidIdentifier(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_identifier",
				"message": "identifier must be 1-256 printable characters without whitespace",
			})
			return
		}
		c.Next()
	}
}
