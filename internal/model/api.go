package model

import (
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"strings"
	"time"
)

// MaxURLLen bounds the URL accepted for ingestion.
const MaxURLLen = 2048

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateURL ensures a submitted link is a safe, publicly-routable
// http/https URL. Rejects javascript: and file: schemes, credentials
// embedded in the URL, and private/loopback addresses (the fetcher
// would otherwise be an SSRF proxy).
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	if len(rawURL) > MaxURLLen {
		return fmt.Errorf("url exceeds maximum length of %d characters", MaxURLLen)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("url must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("url must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("url must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// ValidateOwner ensures the owner identifier is a plausible email
// address. Owners double as notification recipients.
func ValidateOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if _, err := mail.ParseAddress(owner); err != nil {
		return fmt.Errorf("owner must be a valid email address")
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AddLinkRequest is the request body for POST /v1/links.
type AddLinkRequest struct {
	Owner string `json:"owner"`
	URL   string `json:"url"`
}

// AddLinkResponse acknowledges an accepted ingestion run.
type AddLinkResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// QueryRequest is the request body for POST /v1/query.
type QueryRequest struct {
	Owner string `json:"owner"`
	Query string `json:"query"`
}

// QueryResponse is the best match for a similarity query, if any.
type QueryResponse struct {
	Found  bool    `json:"found"`
	URL    string  `json:"url,omitempty"`
	LinkID int64   `json:"link_id,omitempty"`
	Score  float32 `json:"score,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Index    string `json:"index"`
}
