// Package upload uploads blobs to a primary Blossom server and its mirrors,
// concurrently and with bounded retries, aggregating the results in one [Descriptor].
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pippellia-btc/blossom"
	"github.com/pippellia-btc/tubestr/auth"
	"github.com/pippellia-btc/tubestr/utils"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoServers        = errors.New("at least one blossom server is required")
	ErrNoSigner         = errors.New("a signer is required to authorize uploads")
	ErrAllServersFailed = errors.New("upload failed on every server")

	// ErrCredentialExpired is returned when retries outlive the authorization of the upload.
	ErrCredentialExpired = errors.New("upload authorization expired before the upload succeeded")
)

const defaultContentType = "application/octet-stream"

// ServerError is the error of a server that failed after exhausting its attempts.
type ServerError struct {
	Server   string
	Attempts int
	Err      error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Server, e.Attempts, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// Observer receives the outcome of attempts and uploads, for metrics purposes.
type Observer interface {
	ObserveAttempt(server string, took time.Duration, err error)
	ObserveUpload(size int64, took time.Duration, err error)
}

// Progress of the upload of a file to a server.
// The last event of every server has Done set, and Err set if that server failed.
type Progress struct {
	Server string
	Sent   int64
	Total  int64
	Done   bool
	Err    error
}

// Uploader uploads files to the first server (the primary) and concurrently to
// the others (the mirrors).
type Uploader struct {
	servers  []string
	signer   auth.Signer
	client   *http.Client
	settings settings

	observer Observer
	log      *slog.Logger

	progressMu sync.Mutex
	progress   func(Progress)

	mu             sync.Mutex
	lastExpiration int64
}

// New returns an uploader for the provided servers, the first being the primary.
func New(servers []string, signer auth.Signer, opts ...Option) (*Uploader, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	if signer == nil {
		return nil, ErrNoSigner
	}

	u := &Uploader{
		servers:  make([]string, len(servers)),
		signer:   signer,
		client:   http.DefaultClient,
		settings: newSettings(),
		log:      slog.Default(),
	}

	for i, server := range servers {
		normalized, err := utils.ValidateServerURL(server)
		if err != nil {
			return nil, err
		}
		u.servers[i] = normalized
	}

	for _, opt := range opts {
		opt(u)
	}

	if err := u.validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// Servers returns the normalized server URLs, the primary first.
func (u *Uploader) Servers() []string {
	return append([]string(nil), u.servers...)
}

type result struct {
	desc Descriptor
	err  error
}

// Upload the file to every server, signing a fresh authorization for it.
//
// It fails only if every server failed, returning [ErrAllServersFailed] and the errors of each server.
// Otherwise the descriptor URL points to the primary server if it succeeded, or to the first
// mirror that did, and FallbackURLs holds the URLs of the other servers.
// A cancelled context fails the upload only if no server had succeeded.
func (u *Uploader) Upload(ctx context.Context, file File) (desc Descriptor, err error) {
	start := time.Now()
	defer func() {
		if u.observer != nil {
			u.observer.ObserveUpload(file.Size, time.Since(start), err)
		}
	}()

	if err := file.validate(); err != nil {
		return Descriptor{}, err
	}

	hash, err := file.Hash()
	if err != nil {
		return Descriptor{}, err
	}

	cred, err := auth.NewUploadCredential(ctx, u.signer, hash, file.Size, u.nextExpiration())
	if err != nil {
		return Descriptor{}, err
	}

	results := make([]result, len(u.servers))
	var group errgroup.Group

	// the primary is started first, the mirrors right after
	for i, server := range u.servers {
		group.Go(func() error {
			desc, err := u.uploadTo(ctx, server, file, hash, cred)
			results[i] = result{desc: desc, err: err}
			return nil
		})
	}
	group.Wait()

	desc, err = u.aggregate(results)
	if err != nil && ctx.Err() != nil {
		return Descriptor{}, ctx.Err()
	}
	return desc, err
}

// aggregate the results of each server, in server order.
func (u *Uploader) aggregate(results []result) (Descriptor, error) {
	var errs *multierror.Error
	var successes []Descriptor

	for _, r := range results {
		if r.err != nil {
			errs = multierror.Append(errs, r.err)
			continue
		}
		successes = append(successes, r.desc)
	}

	if len(successes) == 0 {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrAllServersFailed, errs.ErrorOrNil())
	}

	if errs != nil {
		u.log.Warn("upload failed on some servers", "failed", len(errs.Errors), "succeeded", len(successes), "error", errs)
	}

	chosen := 0
	primary := hostOf(u.servers[0])
	for i, desc := range successes {
		if desc.host() == primary {
			chosen = i
			break
		}
	}

	desc := successes[chosen]
	seen := map[string]bool{desc.URL: true}
	for _, other := range successes {
		if seen[other.URL] {
			continue
		}
		seen[other.URL] = true
		desc.FallbackURLs = append(desc.FallbackURLs, other.URL)
	}
	return desc, nil
}

// uploadTo uploads the file to the server, retrying failed attempts up to the configured maximum.
func (u *Uploader) uploadTo(ctx context.Context, server string, file File, hash blossom.Hash, cred auth.Credential) (Descriptor, error) {
	var desc Descriptor
	attempts := 0
	tracker := &tracker{server: server, total: file.Size, report: u.report}
	expiration := cred.Expiration()

	err := retry.Do(ctx, u.backoff(), func(ctx context.Context) error {
		if attempts > 0 && time.Now().After(expiration) {
			return ErrCredentialExpired
		}

		attempt := attempts
		attempts++

		start := time.Now()
		d, err := u.put(ctx, server, file, hash, cred, tracker)
		if u.observer != nil {
			u.observer.ObserveAttempt(server, time.Since(start), err)
		}

		if err != nil {
			u.log.Debug("upload attempt failed", "server", server, "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(err)
		}

		desc = d
		return nil
	})

	if err != nil {
		err = &ServerError{Server: server, Attempts: attempts, Err: err}
	}

	tracker.done(err)
	return desc, err
}

func (u *Uploader) backoff() retry.Backoff {
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	if u.settings.retryDelay > 0 {
		b = retry.NewConstant(u.settings.retryDelay)
	}
	return retry.WithMaxRetries(uint64(u.settings.maxRetries), b)
}

// put performs a single PUT /upload request to the server.
func (u *Uploader) put(ctx context.Context, server string, file File, hash blossom.Hash, cred auth.Credential, t *tracker) (Descriptor, error) {
	body := &countingReader{r: file.Reader(), onRead: t.sent}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, server+"/upload", body)
	if err != nil {
		return Descriptor{}, err
	}

	req.ContentLength = file.Size
	if file.Size == 0 {
		req.Body = http.NoBody
	}

	mime := file.Type
	if mime == "" {
		mime = defaultContentType
	}

	req.Header.Set("Authorization", cred.Header)
	req.Header.Set("Content-Type", mime)
	req.Header.Set("X-SHA-256", hash.Hex())

	resp, err := u.client.Do(req)
	if err != nil {
		return Descriptor{}, err
	}
	defer resp.Body.Close()

	return parseResponse(resp, hash, file.Size)
}

// nextExpiration returns the expiration of the next authorization,
// which is strictly greater than the previous so that no two uploads share one.
func (u *Uploader) nextExpiration() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()

	exp := time.Now().Add(u.settings.expiration).Unix()
	if exp <= u.lastExpiration {
		exp = u.lastExpiration + 1
	}
	u.lastExpiration = exp
	return time.Unix(exp, 0)
}

func (u *Uploader) report(p Progress) {
	if u.progress == nil {
		return
	}

	u.progressMu.Lock()
	defer u.progressMu.Unlock()
	u.progress(p)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
