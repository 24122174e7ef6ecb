package upload

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pippellia-btc/tubestr/auth"
)

const DefaultMaxRetries = 3

type Option func(*Uploader)

// WithMaxRetries sets how many times a failed upload to a server is retried
// before giving up on that server. Default is 3, which means at most 4 attempts.
func WithMaxRetries(n int) Option {
	return func(u *Uploader) { u.settings.maxRetries = n }
}

// WithRetryDelay sets the delay between two attempts to the same server.
// Default is 0, which means failed attempts are retried immediately.
func WithRetryDelay(d time.Duration) Option {
	return func(u *Uploader) { u.settings.retryDelay = d }
}

// WithExpiration sets for how long the authorization of an upload is valid. Default is 60s.
func WithExpiration(d time.Duration) Option {
	return func(u *Uploader) { u.settings.expiration = d }
}

// WithHTTPClient sets the http client used for uploads.
// Per-attempt timeouts should be configured here, as retries are bounded only by count.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) { u.client = c }
}

// WithProgress sets the function called as the upload to each server progresses.
// Calls are serialized, so the function doesn't need to be safe for concurrent use.
func WithProgress(f func(Progress)) Option {
	return func(u *Uploader) { u.progress = f }
}

// WithObserver sets the observer notified of every attempt and upload.
func WithObserver(o Observer) Option {
	return func(u *Uploader) { u.observer = o }
}

// WithLogger sets the structured logger (*slog.Logger) used by the uploader.
// If not set, a default logger will be used.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) { u.log = l }
}

type settings struct {
	maxRetries int
	retryDelay time.Duration
	expiration time.Duration
}

func newSettings() settings {
	return settings{
		maxRetries: DefaultMaxRetries,
		expiration: auth.DefaultExpiration,
	}
}

func (u *Uploader) validate() error {
	if u.settings.maxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if u.settings.retryDelay < 0 {
		return errors.New("retry delay must not be negative")
	}
	if u.settings.expiration < time.Second {
		return errors.New("authorization expiration must be at least 1s")
	}
	if u.client == nil {
		return errors.New("http client must not be nil")
	}
	if u.log == nil {
		return errors.New("logger must not be nil")
	}
	return nil
}
