package tools

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/manthysbr/prospector/internal/core/domain"
)

const defaultUserAgent = "prospector/1.0 (+lead research)"

// Options configures the built-in web tools.
type Options struct {
	Client *http.Client
	// AllowPrivate disables the internal-address guard.
	AllowPrivate bool
	UserAgent    string

	BraveAPIKey        string
	BraveEndpoint      string
	DuckDuckGoEndpoint string
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.BraveEndpoint == "" {
		o.BraveEndpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	if o.DuckDuckGoEndpoint == "" {
		o.DuckDuckGoEndpoint = "https://html.duckduckgo.com/html/"
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return o
}

// guardedClient returns a client whose redirects are checked against the
// internal-address guard.
func (o Options) guardedClient() *http.Client {
	c := *o.Client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if !o.AllowPrivate && isInternalTarget(req.URL.String()) {
			return domain.NewValidationError("redirect to internal address denied")
		}
		if len(via) >= 5 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	}
	return &c
}

// isInternalTarget reports whether rawURL points at loopback, private or
// metadata addresses, or uses a non-HTTP scheme.
func isInternalTarget(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return true
	}

	host := parsed.Hostname()
	for _, b := range []string{"localhost", "0.0.0.0", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return true
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return true
		}
	}
	return false
}

// statusError classifies a non-2xx response into the tool error taxonomy.
func statusError(resp *http.Response) error {
	msg := fmt.Sprintf("HTTP %d from %s", resp.StatusCode, resp.Request.URL.Host)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewRateLimitError(msg, retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewAuthError(msg)
	case resp.StatusCode >= 500:
		return domain.NewTransientError(msg, nil)
	default:
		return domain.NewValidationError(msg)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
// Zero means no hint.
func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
