// Package validation provides input validation for the Atelier API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// walletRegex validates base58 Solana wallet addresses
	walletRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	// proofURLRegex validates shipment proof references: HTTPS or IPFS
	proofURLRegex = regexp.MustCompile(`^(https://\S+|ipfs://\S+)$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidWallet checks if a string is a valid base58 wallet address
func IsValidWallet(addr string) bool {
	return walletRegex.MatchString(addr)
}

// IsValidProofURL checks if a string is an https:// or ipfs:// reference
func IsValidProofURL(u string) bool {
	return proofURLRegex.MatchString(strings.TrimSpace(u))
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidWallet checks if a field is a valid base58 wallet address
func ValidWallet(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidWallet(value) {
			return &ValidationError{Field: field, Message: "must be a valid base58 wallet address"}
		}
		return nil
	}
}

// PositiveAmount checks that a lamport amount is greater than zero
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
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

// ValidProofURLs checks that every proof reference is https:// or ipfs://
func ValidProofURLs(field string, urls []string) func() *ValidationError {
	return func() *ValidationError {
		if len(urls) == 0 {
			return &ValidationError{Field: field, Message: "at least one proof URL is required"}
		}
		for _, u := range urls {
			if !IsValidProofURL(u) {
				return &ValidationError{Field: field, Message: "must be an https:// or ipfs:// URL"}
			}
		}
		return nil
	}
}

// WalletParamMiddleware validates the :wallet URL parameter on routes that use it.
// Apply to route groups that include :wallet params to reject malformed addresses early.
func WalletParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("wallet")
		if addr != "" && !IsValidWallet(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_wallet",
				"message": "wallet must be a base58 address (32-44 chars)",
			})
			return
		}
		c.Next()
	}
}
