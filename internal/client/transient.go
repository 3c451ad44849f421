package client

import (
	"net/http"
	"strings"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

// DefaultTransientPatterns match upstream messages that mean "try again later".
var DefaultTransientPatterns = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"too many requests",
	"temporarily unavailable",
	"overloaded",
	"try again",
}

// Classifier decides which upstream failures are transient.
type Classifier struct {
	Statuses map[int]bool
	Patterns []string
}

func DefaultClassifier() Classifier {
	return Classifier{
		Statuses: map[int]bool{
			http.StatusTooManyRequests:    true,
			http.StatusBadGateway:         true,
			http.StatusServiceUnavailable: true,
			http.StatusGatewayTimeout:     true,
			canonical.StatusOverloaded:    true,
		},
		Patterns: DefaultTransientPatterns,
	}
}

// NewClassifier returns the default status set with the given message patterns.
// An empty pattern list keeps the defaults.
func NewClassifier(patterns []string) Classifier {
	c := DefaultClassifier()
	if len(patterns) > 0 {
		c.Patterns = patterns
	}

	return c
}

// Transient reports whether a failure with this status and message should be retried.
func (c Classifier) Transient(status int, message string) bool {
	if c.Statuses[status] {
		return true
	}

	// Client errors other than the listed statuses never retry on message alone.
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return false
	}

	msg := strings.ToLower(message)
	for _, p := range c.Patterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}

	return false
}
