package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
)

const DefaultPublishTimeout = 10 * time.Second

var (
	ErrNoRelays        = errors.New("at least one relay is required")
	ErrNoRelayAccepted = errors.New("no relay accepted the event")
)

// Conn is a connection to a relay.
type Conn interface {
	Publish(ctx context.Context, event nostr.Event) error
	Close() error
}

// DialFunc opens a connection to the relay with the provided url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial connects to the relay with go-nostr.
func Dial(ctx context.Context, url string) (Conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return relay, nil
}

// Publisher sends signed events to relays.
type Publisher struct {
	dial    DialFunc
	timeout time.Duration
	log     *slog.Logger
}

type PublisherOption func(*Publisher)

// WithDialer sets how connections to relays are opened. Default is [Dial].
func WithDialer(dial DialFunc) PublisherOption {
	return func(p *Publisher) { p.dial = dial }
}

// WithPublishTimeout sets the maximum duration of the publication to a single relay,
// connection included. Default is 10s.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.timeout = d }
}

func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.log = l }
}

func NewPublisher(opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		dial:    Dial,
		timeout: DefaultPublishTimeout,
		log:     slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.dial == nil {
		return nil, errors.New("dialer must not be nil")
	}
	if p.timeout <= 0 {
		return nil, errors.New("publish timeout must be positive")
	}
	if p.log == nil {
		return nil, errors.New("logger must not be nil")
	}
	return p, nil
}

// Publish sends the event to every relay concurrently, and returns the relays that accepted it.
// It fails only if no relay accepted the event, returning the errors of each relay.
func (p *Publisher) Publish(ctx context.Context, event nostr.Event, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}

	var mu sync.Mutex
	var errs *multierror.Error
	accepted := make([]string, 0, len(urls))

	group := errgroup.Group{}
	for _, url := range urls {
		group.Go(func() error {
			err := p.publish(ctx, event, url)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				p.log.Debug("relay rejected the event", "relay", url, "id", event.ID, "error", err)
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", url, err))
				return nil
			}
			accepted = append(accepted, url)
			return nil
		})
	}
	group.Wait()

	if len(accepted) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoRelayAccepted, errs.ErrorOrNil())
	}
	return accepted, nil
}

func (p *Publisher) publish(ctx context.Context, event nostr.Event, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	return conn.Publish(ctx, event)
}
