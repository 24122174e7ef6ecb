package utils

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/pippellia-btc/blossom"
)

var ErrBodyTooLarge = errors.New("body too large")

// ParseHashExt extracts the SHA-256 hash and the optional extension from a URL path.
// The path may optionally start with a leading "/", which is stripped before parsing.
// If the path contains a ".", everything after the first dot is treated as the extension
// (e.g. "hash.tar.gz" yields ext "tar.gz").
func ParseHashExt(path string) (hash blossom.Hash, ext string, err error) {
	path = strings.TrimPrefix(path, "/")
	parts := strings.SplitN(path, ".", 2) // separate hash from extension

	hash, err = blossom.ParseHash(parts[0])
	if err != nil {
		return blossom.Hash{}, "", err
	}

	if len(parts) > 1 {
		ext = parts[1]
	}
	return hash, ext, nil
}

// BlobHash returns the hash contained in the last segment of a blossom URL path,
// e.g. "https://cdn.example.com/<sha256>.mp4".
func BlobHash(u *url.URL) (blossom.Hash, error) {
	if u == nil {
		return blossom.Hash{}, errors.New("url is nil")
	}
	hash, _, err := ParseHashExt(path.Base(u.Path))
	return hash, err
}

// ValidateServerURL checks that raw is the base URL of a blossom server, and returns it
// normalized without the trailing slash, so that endpoints can be appended (e.g. base + "/upload").
func ValidateServerURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("server url must not be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server url %q must use http or https", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("server url %q must not have a query or fragment", raw)
	}
	if err := ValidateHostname(u.Host); err != nil {
		return "", fmt.Errorf("server url %q: %w", raw, err)
	}
	return strings.TrimSuffix(raw, "/"), nil
}

// ValidateRelayURL checks that raw is the websocket URL of a relay.
func ValidateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay url %q must use ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("relay url %q has no host", raw)
	}
	return nil
}

// ValidateHostname checks whether the provided hostname is a valid hostname.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return errors.New("hostname must not be empty")
	}
	if strings.Contains(hostname, "://") {
		return errors.New("hostname must not include a scheme (e.g. use \"cdn.example.com\" instead of \"https://cdn.example.com\")")
	}

	u, err := url.Parse("https://" + hostname)
	if err != nil {
		return errors.New("invalid hostname: " + err.Error())
	}
	if u.Host != hostname {
		return errors.New("hostname must be a valid domain without path, query, or fragment")
	}
	return nil
}

// ReadNoMore reads at most limit bytes from the reader.
// If the reader contains more than limit bytes, it returns [ErrBodyTooLarge].
func ReadNoMore(r io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit+1)))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// DecodeBase64 detects the base64 encoding variant (standard vs URL-safe,
// padded vs raw) and decodes accordingly.
func DecodeBase64(s string) ([]byte, error) {
	isURLSafe := strings.ContainsAny(s, "-_")
	isStandard := strings.ContainsAny(s, "+/")
	isPadded := strings.HasSuffix(s, "=")

	if isURLSafe && isStandard {
		return nil, errors.New("ambiguous base64: contains both standard (+/) and URL-safe (-_) characters")
	}

	switch {
	case isURLSafe && isPadded:
		return base64.URLEncoding.DecodeString(s)
	case isURLSafe && !isPadded:
		return base64.RawURLEncoding.DecodeString(s)
	case !isURLSafe && isPadded:
		return base64.StdEncoding.DecodeString(s)
	default:
		// No distinguishing characters and no padding.
		// RawStdEncoding is the safest default: it accepts the
		// common alphabet and doesn't require trailing '='.
		return base64.RawStdEncoding.DecodeString(s)
	}
}
