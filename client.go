// Package tubestr is the client core of a video-sharing platform built on Nostr and Blossom.
//
// It uploads videos to a primary Blossom server and its mirrors, mines the proof-of-work
// of events (NIP-13) and publishes them to relays. Results are delivered to the caller
// and to the registered [Hooks].
package tubestr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pippellia-btc/tubestr/auth"
	"github.com/pippellia-btc/tubestr/metrics"
	"github.com/pippellia-btc/tubestr/pow"
	"github.com/pippellia-btc/tubestr/relay"
	"github.com/pippellia-btc/tubestr/upload"
)

type Client struct {
	signer   auth.Signer
	settings settings
	optErr   error

	dispatcher     *pow.Dispatcher
	ownsDispatcher bool
	uploader       *upload.Uploader
	publisher      *relay.Publisher
	observer       *metrics.Observer

	log *slog.Logger
	Hooks
}

// New returns a client initialized with the provided options.
// A signer is required, see [WithSigner] and [WithSecretKey].
func New(opts ...Option) (*Client, error) {
	c := &Client{
		settings: newSettings(),
		log:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	if c.settings.registry != nil {
		observer, err := metrics.NewObserver(metrics.DefaultNamespace, c.settings.registry)
		if err != nil {
			return nil, err
		}
		c.observer = observer
	}

	if len(c.settings.Upload.servers) > 0 {
		uploader, err := upload.New(c.settings.Upload.servers, c.signer, c.uploadOptions()...)
		if err != nil {
			return nil, err
		}
		c.uploader = uploader
	}

	publisher, err := relay.NewPublisher(
		relay.WithDialer(c.settings.Relay.dial),
		relay.WithPublishTimeout(c.settings.Relay.timeout),
		relay.WithPublisherLogger(c.log),
	)
	if err != nil {
		return nil, err
	}
	c.publisher = publisher

	if c.dispatcher == nil {
		if err := c.setupDispatcher(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) uploadOptions() []upload.Option {
	opts := []upload.Option{
		upload.WithMaxRetries(c.settings.Upload.maxRetries),
		upload.WithRetryDelay(c.settings.Upload.retryDelay),
		upload.WithHTTPClient(c.settings.Upload.client),
		upload.WithLogger(c.log),
	}
	if c.settings.Upload.progress != nil {
		opts = append(opts, upload.WithProgress(c.settings.Upload.progress))
	}
	if c.observer != nil {
		opts = append(opts, upload.WithObserver(c.observer))
	}
	return opts
}

// setupDispatcher uses the process-wide dispatcher, unless the client
// needs one with its own timeout or observer.
func (c *Client) setupDispatcher() error {
	if c.settings.Mining.timeout == 0 && c.observer == nil {
		c.dispatcher = pow.Default()
		return nil
	}

	opts := []pow.Option{pow.WithLogger(c.log)}
	if c.settings.Mining.timeout > 0 {
		opts = append(opts, pow.WithTimeout(c.settings.Mining.timeout))
	}
	if c.observer != nil {
		opts = append(opts, pow.WithObserver(c.observer))
	}

	dispatcher, err := pow.NewDispatcher(opts...)
	if err != nil {
		return err
	}

	c.dispatcher = dispatcher
	c.ownsDispatcher = true
	return nil
}

// Close releases the resources of the client.
func (c *Client) Close() error {
	if c.ownsDispatcher {
		return c.dispatcher.Close()
	}
	return nil
}

// Uploader returns the uploader of the client, or nil if no server is configured.
func (c *Client) Uploader() *upload.Uploader { return c.uploader }

// Mine computes the proof-of-work of the event with the provided difficulty,
// after setting its pubkey and created_at if missing. The event is not signed.
func (c *Client) Mine(ctx context.Context, event nostr.Event, difficulty int) (nostr.Event, error) {
	event, err := c.prepare(ctx, event)
	if err != nil {
		c.On.failed(OpMine, err)
		return nostr.Event{}, err
	}
	return c.mine(ctx, event, difficulty)
}

func (c *Client) mine(ctx context.Context, event nostr.Event, difficulty int) (nostr.Event, error) {
	mined, err := c.dispatcher.Calculate(ctx, event, difficulty)
	if err != nil {
		c.log.Error("failed to mine event", "kind", event.Kind, "difficulty", difficulty, "error", err)
		c.On.failed(OpMine, err)
		return nostr.Event{}, err
	}

	c.On.mined(mined)
	return mined, nil
}

// Publish signs the event and publishes it to the relays, after mining it if a difficulty is configured.
// The pubkey and created_at of the event are set if missing.
// It returns the signed event, which is published if at least one relay accepted it.
func (c *Client) Publish(ctx context.Context, event nostr.Event) (nostr.Event, error) {
	event, err := c.publish(ctx, event)
	if err != nil {
		c.On.failed(OpPublish, err)
		return nostr.Event{}, err
	}
	return event, nil
}

func (c *Client) publish(ctx context.Context, event nostr.Event) (nostr.Event, error) {
	if len(c.settings.Relay.urls) == 0 {
		return nostr.Event{}, ErrNoRelays
	}

	event, err := c.prepare(ctx, event)
	if err != nil {
		return nostr.Event{}, err
	}

	if difficulty := c.settings.Mining.difficulty; difficulty > 0 {
		event, err = c.mine(ctx, event, difficulty)
		if err != nil {
			return nostr.Event{}, fmt.Errorf("failed to mine event: %w", err)
		}
	}

	if err := c.signer.SignEvent(ctx, &event); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign event: %w", err)
	}

	accepted, err := c.publisher.Publish(ctx, event, c.settings.Relay.urls)
	if err != nil {
		return nostr.Event{}, err
	}

	c.log.Info("event published", "id", event.ID, "kind", event.Kind, "relays", len(accepted))
	c.On.published(event, accepted)
	return event, nil
}

// prepare sets the pubkey and the creation time of the event, if missing.
func (c *Client) prepare(ctx context.Context, event nostr.Event) (nostr.Event, error) {
	pubkey, err := c.signer.GetPublicKey(ctx)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to get the public key: %w", err)
	}

	switch event.PubKey {
	case "":
		event.PubKey = pubkey
	case pubkey:
	default:
		return nostr.Event{}, ErrPubkeyMismatch
	}

	if event.CreatedAt == 0 {
		event.CreatedAt = nostr.Now()
	}
	return event, nil
}

// Upload the file to the configured servers. See [upload.Uploader.Upload].
// It returns [ErrNoServers] if the client was built without [WithServers].
func (c *Client) Upload(ctx context.Context, file upload.File) (upload.Descriptor, error) {
	if c.uploader == nil {
		c.On.failed(OpUpload, ErrNoServers)
		return upload.Descriptor{}, ErrNoServers
	}

	desc, err := c.uploader.Upload(ctx, file)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.log.Error("failed to upload file", "size", file.Size, "error", err)
		}
		c.On.failed(OpUpload, err)
		return upload.Descriptor{}, err
	}

	c.log.Info("file uploaded", "url", desc.URL, "mirrors", len(desc.FallbackURLs))
	c.On.uploaded(desc)
	return desc, nil
}

// PublishVideo uploads the video file, then publishes the video event referencing it.
// If the publication fails, the returned descriptor still reports where the file is stored.
func (c *Client) PublishVideo(ctx context.Context, file upload.File, video Video) (nostr.Event, upload.Descriptor, error) {
	desc, err := c.Upload(ctx, file)
	if err != nil {
		return nostr.Event{}, upload.Descriptor{}, err
	}

	event, err := c.Publish(ctx, video.Event(desc))
	if err != nil {
		return nostr.Event{}, desc, err
	}
	return event, desc, nil
}
