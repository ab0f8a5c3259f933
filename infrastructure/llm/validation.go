package llm

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Request timeouts outside this window are clamped.
const (
	minRequestTimeout = time.Second
	maxRequestTimeout = 10 * time.Minute
)

// tempRange is the sampling temperature window a backend accepts.
type tempRange struct{ min, max float64 }

var (
	anthropicTemperature = tempRange{min: 0, max: 1}
	openAITemperature    = tempRange{min: 0, max: 2}
	googleTemperature    = tempRange{min: 0, max: 2}
)

func (r tempRange) clamp(v float64) float64 {
	return min(max(v, r.min), r.max)
}

// normalizeBaseURL checks an endpoint override and drops trailing slashes,
// so "http://host:8000/v1/" and "http://host:8000/v1" address the same
// server. An empty string keeps the backend default.
func normalizeBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return "", fmt.Errorf("base URL %q has no scheme", raw)
	default:
		return "", fmt.Errorf("base URL %q must use http or https, got %s", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// clampTimeout returns 0 for "use the backend default" and otherwise keeps
// d inside [minRequestTimeout, maxRequestTimeout].
func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return min(max(d, minRequestTimeout), maxRequestTimeout)
}
