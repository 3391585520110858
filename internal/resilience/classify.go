// Package resilience decides which upstream failures are worth repeating and
// repeats them with exponential backoff.
package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/nulzo/novel-gateway/internal/httpclient"
	"github.com/nulzo/novel-gateway/internal/llm"
)

// Class is the retry decision for a single failure.
type Class int

const (
	Other Class = iota
	Network
	RateLimit
	Server
	Safety
	Cancelled
	Configuration
)

var classNames = map[Class]string{
	Other:         "other",
	Network:       "network",
	RateLimit:     "rate_limit",
	Server:        "server",
	Safety:        "safety",
	Cancelled:     "cancelled",
	Configuration: "configuration",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unknown"
}

// Retryable reports whether repeating the identical request could succeed.
func (c Class) Retryable() bool {
	switch c {
	case Network, RateLimit, Server:
		return true
	default:
		return false
	}
}

var (
	rateLimitMarkers = []string{"quota", "resource_exhausted", "resource exhausted", "rate limit", "rate_limit", "too many requests"}
	serverMarkers    = []string{"overloaded", "internal server error", "bad gateway", "service unavailable", "gateway timeout"}
	safetyMarkers    = []string{"safety", "prohibited_content", "content_filter", "content policy", "blocked"}
	networkMarkers   = []string{"connection refused", "connection reset", "no such host", "broken pipe", "eof", "timeout", "network", "fetch failed", "econnreset", "etimedout"}

	// Status numbers only count as standalone tokens, never inside larger digit runs or ids.
	rateLimitStatusRe = regexp.MustCompile(`\b429\b`)
	serverStatusRe    = regexp.MustCompile(`\b50[0-4]\b`)
)

// Classify maps an error to its retry class. Typed errors are inspected first;
// message matching only applies to errors that carry no structure.
func Classify(err error) Class {
	if err == nil {
		return Other
	}

	var blocked *llm.SafetyBlockError
	if errors.As(err, &blocked) {
		return Safety
	}
	var cfgErr *llm.ConfigurationError
	if errors.As(err, &cfgErr) {
		return Configuration
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var transportErr *httpclient.TransportError
	if errors.As(err, &transportErr) {
		return Network
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}

	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		return classifyStatus(providerErr.StatusCode, providerErr.Code+" "+providerErr.Type+" "+providerErr.Message)
	}
	var upstreamErr *httpclient.UpstreamError
	if errors.As(err, &upstreamErr) {
		return classifyStatus(upstreamErr.StatusCode, string(upstreamErr.Body))
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Network
	}

	return classifyMessage(err.Error())
}

func classifyStatus(status int, detail string) Class {
	detail = strings.ToLower(detail)
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimit
	case containsAny(detail, rateLimitMarkers):
		return RateLimit
	case status >= http.StatusInternalServerError:
		return Server
	case strings.Contains(detail, "overloaded"):
		return Server
	default:
		return Other
	}
}

func classifyMessage(msg string) Class {
	msg = strings.ToLower(msg)
	switch {
	case containsAny(msg, rateLimitMarkers), rateLimitStatusRe.MatchString(msg):
		return RateLimit
	case containsAny(msg, serverMarkers), serverStatusRe.MatchString(msg):
		return Server
	case containsAny(msg, safetyMarkers):
		return Safety
	case containsAny(msg, networkMarkers):
		return Network
	default:
		return Other
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
