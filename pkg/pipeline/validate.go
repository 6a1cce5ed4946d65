package pipeline

import (
	"fmt"
	"net/url"
	"strings"
)

// MaxURLLength is the longest accepted URL in encoded form.
const MaxURLLength = 4096

// ValidationError rejects a submitted URL before any run is created.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid url: %s", e.Reason)
}

// ValidateURL checks that raw is an absolute http or https URL and returns
// its normalized form: lowercase scheme and host, no fragment, and "/" for
// an empty path.
func ValidateURL(raw string) (string, error) {
	input := strings.TrimSpace(raw)

	if input == "" {
		return "", &ValidationError{Input: raw, Reason: "url is required"}
	}

	if len(input) > MaxURLLength {
		return "", &ValidationError{
			Input:  raw,
			Reason: fmt.Sprintf("url exceeds %d characters", MaxURLLength),
		}
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", &ValidationError{Input: raw, Reason: "url is malformed"}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", &ValidationError{
			Input:  raw,
			Reason: "only http and https urls are supported",
		}
	}

	if u.Opaque != "" || u.Hostname() == "" {
		return "", &ValidationError{Input: raw, Reason: "url has no host"}
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.Path == "" {
		u.Path = "/"
	}

	normalized := u.String()
	if len(normalized) > MaxURLLength {
		return "", &ValidationError{
			Input:  raw,
			Reason: fmt.Sprintf("url exceeds %d characters", MaxURLLength),
		}
	}

	return normalized, nil
}
