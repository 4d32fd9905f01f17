package usecase

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"convergio/internal/domain"
)

// ErrorCategory indicates whether a provider error is retryable or permanent.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, connection errors
	ErrorCategoryPermanent               // 401, 403, 400, malformed
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// ErrorClassifier analyzes LLM provider errors and categorizes them. The
// gateway uses it to decide between retrying a candidate and failing over
// to the next one.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches "API error <status_code>:" produced by the provider adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// Classify inspects a provider error and returns its category and mapped
// sentinel.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	// Wrapped domain sentinels first, set by the adapters' HTTP error mapping.
	if classified := c.classifyBySentinel(err); classified.Category != ErrorCategoryUnknown {
		return classified
	}

	errStr := err.Error()

	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code)
	}

	// String-based fallback for non-API errors (network, timeout, etc.).
	return c.classifyByString(err, errStr)
}

// Retryable reports whether the call that produced err is worth repeating
// against the same candidate. Unknown errors are not retried; failover to
// the next candidate handles them instead.
func (c *ErrorClassifier) Retryable(err error) bool {
	return c.Classify(err).Category == ErrorCategoryRetryable
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrRateLimit,
		}
	case errors.Is(err, domain.ErrServerError):
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrServerError,
		}
	case errors.Is(err, domain.ErrAuthInvalid):
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrAuthInvalid,
		}
	default:
		return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
	}
}

func (c *ErrorClassifier) classifyByStatus(err error, code int) ClassifiedError {
	switch {
	case code == 429:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrRateLimit, StatusCode: code,
		}
	case code == 401 || code == 403:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrAuthInvalid, StatusCode: code,
		}
	case code >= 500 && code < 600:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrServerError, StatusCode: code,
		}
	default:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent, StatusCode: code,
		}
	}
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)

	for _, p := range []string{"rate limit", "too many requests"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
				Sentinel: domain.ErrRateLimit,
			}
		}
	}

	// Transient network / timeout patterns.
	for _, p := range []string{
		"connection refused", "no such host", "timeout",
		"deadline exceeded", "connection reset",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
			}
		}
	}

	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
