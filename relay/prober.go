// Package relay publishes events to Nostr relays and ranks relays by latency.
package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultCacheTTL     = 10 * time.Minute
	DefaultCacheSize    = 1024
	DefaultConcurrency  = 16
)

var ErrNoRelayReachable = errors.New("no relay is reachable")

// Prober measures the latency of relays as the duration of the websocket handshake.
// Latencies are cached, so probing the same relay again is free until the entry expires.
type Prober struct {
	timeout     time.Duration
	concurrency int
	cache       *expirable.LRU[string, time.Duration]
	dialOpts    *websocket.DialOptions
	log         *slog.Logger
}

type ProberOption func(*proberConfig)

type proberConfig struct {
	timeout     time.Duration
	concurrency int
	cacheTTL    time.Duration
	cacheSize   int
	dialOpts    *websocket.DialOptions
	log         *slog.Logger
}

// WithProbeTimeout sets the maximum duration of a single handshake. Default is 5s.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(c *proberConfig) { c.timeout = d }
}

// WithConcurrency sets how many relays are probed at the same time by [Prober.Rank].
func WithConcurrency(n int) ProberOption {
	return func(c *proberConfig) { c.concurrency = n }
}

// WithCache sets the size and the time-to-live of the latency cache.
func WithCache(size int, ttl time.Duration) ProberOption {
	return func(c *proberConfig) {
		c.cacheSize = size
		c.cacheTTL = ttl
	}
}

// WithDialOptions sets the options of the websocket handshake, e.g. the http client.
func WithDialOptions(opts *websocket.DialOptions) ProberOption {
	return func(c *proberConfig) { c.dialOpts = opts }
}

func WithProberLogger(l *slog.Logger) ProberOption {
	return func(c *proberConfig) { c.log = l }
}

func NewProber(opts ...ProberOption) (*Prober, error) {
	config := proberConfig{
		timeout:     DefaultProbeTimeout,
		concurrency: DefaultConcurrency,
		cacheTTL:    DefaultCacheTTL,
		cacheSize:   DefaultCacheSize,
		log:         slog.Default(),
	}

	for _, opt := range opts {
		opt(&config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Prober{
		timeout:     config.timeout,
		concurrency: config.concurrency,
		cache:       expirable.NewLRU[string, time.Duration](config.cacheSize, nil, config.cacheTTL),
		dialOpts:    config.dialOpts,
		log:         config.log,
	}, nil
}

func (c proberConfig) validate() error {
	if c.timeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	if c.concurrency < 1 {
		return errors.New("probe concurrency must be at least 1")
	}
	if c.cacheSize < 1 {
		return errors.New("latency cache size must be at least 1")
	}
	if c.cacheTTL <= 0 {
		return errors.New("latency cache ttl must be positive")
	}
	if c.log == nil {
		return errors.New("logger must not be nil")
	}
	return nil
}

// Latency returns the time it takes to open a websocket connection with the relay.
func (p *Prober) Latency(ctx context.Context, url string) (time.Duration, error) {
	if latency, ok := p.cache.Get(url); ok {
		return latency, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, _, err := websocket.Dial(ctx, url, p.dialOpts)
	if err != nil {
		return 0, fmt.Errorf("failed to reach %s: %w", url, err)
	}

	latency := time.Since(start)
	conn.CloseNow()

	p.cache.Add(url, latency)
	return latency, nil
}

// Ranked is a reachable relay and its latency.
type Ranked struct {
	URL     string
	Latency time.Duration
}

// Rank probes the relays concurrently, and returns the reachable ones from the fastest to the slowest.
// It fails only if no relay is reachable.
func (p *Prober) Rank(ctx context.Context, urls []string) ([]Ranked, error) {
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}

	var mu sync.Mutex
	var errs *multierror.Error
	ranked := make([]Ranked, 0, len(urls))

	group := errgroup.Group{}
	group.SetLimit(p.concurrency)

	for _, url := range urls {
		group.Go(func() error {
			latency, err := p.Latency(ctx, url)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				p.log.Debug("relay is unreachable", "relay", url, "error", err)
				errs = multierror.Append(errs, err)
				return nil
			}
			ranked = append(ranked, Ranked{URL: url, Latency: latency})
			return nil
		})
	}
	group.Wait()

	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoRelayReachable, errs.ErrorOrNil())
	}

	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		return cmp.Compare(a.Latency, b.Latency)
	})
	return ranked, nil
}
