package tubestr

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pippellia-btc/tubestr/auth"
	"github.com/pippellia-btc/tubestr/pow"
	"github.com/pippellia-btc/tubestr/relay"
	"github.com/pippellia-btc/tubestr/upload"
	"github.com/pippellia-btc/tubestr/utils"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(*Client)

// WithSigner sets the signer of events and upload authorizations. Required.
func WithSigner(s auth.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithSecretKey sets a [auth.KeySigner] for the secret key, either hex or "nsec" encoded.
func WithSecretKey(secret string) Option {
	return func(c *Client) {
		signer, err := auth.NewKeySigner(secret)
		if err != nil {
			c.optErr = errors.Join(c.optErr, err)
			return
		}
		c.signer = signer
	}
}

// WithServers sets the blossom servers files are uploaded to.
// The first is the primary, the others are mirrors.
// Without servers the client only mines and publishes, and [Client.Upload]
// and [Client.PublishVideo] fail with [ErrNoServers].
func WithServers(urls ...string) Option {
	return func(c *Client) { c.settings.Upload.servers = urls }
}

// WithRelays sets the relays events are published to.
func WithRelays(urls ...string) Option {
	return func(c *Client) { c.settings.Relay.urls = urls }
}

// WithDifficulty sets the number of leading zero bits of the ID of published events (NIP-13).
// Default is 0, which means events are published without proof-of-work.
func WithDifficulty(bits int) Option {
	return func(c *Client) { c.settings.Mining.difficulty = bits }
}

// WithMiningTimeout sets the maximum duration of the proof-of-work of one event.
// Setting it gives the client its own mining dispatcher instead of [pow.Default].
func WithMiningTimeout(d time.Duration) Option {
	return func(c *Client) { c.settings.Mining.timeout = d }
}

// WithDispatcher sets the mining dispatcher, which is not closed by [Client.Close].
func WithDispatcher(d *pow.Dispatcher) Option {
	return func(c *Client) { c.dispatcher = d }
}

// WithMaxRetries sets how many times a failed upload to a server is retried. Default is 3.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.settings.Upload.maxRetries = n }
}

// WithRetryDelay sets the delay between two upload attempts to the same server. Default is 0.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.settings.Upload.retryDelay = d }
}

// WithHTTPClient sets the http client used for uploads.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.settings.Upload.client = h }
}

// WithProgress sets the function called as uploads progress.
func WithProgress(f func(upload.Progress)) Option {
	return func(c *Client) { c.settings.Upload.progress = f }
}

// WithRelayDialer sets how connections to relays are opened. Default is [relay.Dial].
func WithRelayDialer(dial relay.DialFunc) Option {
	return func(c *Client) { c.settings.Relay.dial = dial }
}

// WithPublishTimeout sets the maximum duration of the publication to a single relay. Default is 10s.
func WithPublishTimeout(d time.Duration) Option {
	return func(c *Client) { c.settings.Relay.timeout = d }
}

// WithRegistry registers mining and upload metrics on the registerer.
// Setting it gives the client its own mining dispatcher instead of [pow.Default].
func WithRegistry(reg prometheus.Registerer) Option {
	return func(c *Client) { c.settings.registry = reg }
}

// WithLogger sets the structured logger (*slog.Logger) used by the client for all logging operations.
// If not set, a default logger will be used.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// settings holds the configurable parameters for the client.
type settings struct {
	Mining miningSettings
	Upload uploadSettings
	Relay  relaySettings

	registry prometheus.Registerer
}

func newSettings() settings {
	return settings{
		Upload: uploadSettings{
			maxRetries: upload.DefaultMaxRetries,
			client:     http.DefaultClient,
		},
		Relay: relaySettings{
			dial:    relay.Dial,
			timeout: relay.DefaultPublishTimeout,
		},
	}
}

type miningSettings struct {
	difficulty int

	// timeout of the client's own dispatcher. Zero means the dispatcher is not owned.
	timeout time.Duration
}

type uploadSettings struct {
	servers    []string
	maxRetries int
	retryDelay time.Duration
	client     *http.Client
	progress   func(upload.Progress)
}

type relaySettings struct {
	urls    []string
	dial    relay.DialFunc
	timeout time.Duration
}

func (c *Client) validate() error {
	if c.optErr != nil {
		return c.optErr
	}
	if c.signer == nil {
		return ErrNoSigner
	}
	if c.log == nil {
		return errors.New("logger must not be nil")
	}

	// mining
	if c.settings.Mining.difficulty < 0 || c.settings.Mining.difficulty > pow.MaxDifficulty {
		return pow.ErrInvalidDifficulty
	}
	if c.settings.Mining.timeout < 0 {
		return errors.New("mining timeout must not be negative")
	}

	// relays
	for _, url := range c.settings.Relay.urls {
		if err := utils.ValidateRelayURL(url); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRelay, err)
		}
	}
	if len(c.settings.Relay.urls) == 0 {
		c.log.Warn("no relay is configured, so events can't be published")
	}
	if len(c.settings.Upload.servers) == 0 {
		c.log.Warn("no blossom server is configured, so files can't be uploaded")
	}
	return nil
}
