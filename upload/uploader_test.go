package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pippellia-btc/blossom"
	"github.com/pippellia-btc/tubestr/auth"
	"github.com/pippellia-btc/tubestr/internal/blossomtest"
)

var (
	videoData = []byte("not really a video, but close enough")
	video     = FromBytes(videoData, "video/mp4")
)

func startServer(t *testing.T, opts ...blossomtest.Option) *blossomtest.Server {
	t.Helper()
	s := blossomtest.New(opts...)
	t.Cleanup(s.Close)
	return s
}

func newTestUploader(t *testing.T, servers []*blossomtest.Server, opts ...Option) *Uploader {
	t.Helper()
	urls := make([]string, len(servers))
	for i, s := range servers {
		urls[i] = s.URL
	}

	u, err := New(urls, auth.GenerateKeySigner(), opts...)
	if err != nil {
		t.Fatalf("failed to create uploader: %v", err)
	}
	return u
}

func down(reason string) blossomtest.Option {
	return blossomtest.WithFailures(-1, blossom.Error{Code: http.StatusInternalServerError, Reason: reason})
}

func fetch(t *testing.T, url string) []byte {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("failed to fetch %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("failed to fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read %s: %v", url, err)
	}
	return data
}

func TestUploadAllServersUp(t *testing.T) {
	primary, mirror1, mirror2 := startServer(t), startServer(t), startServer(t)
	u := newTestUploader(t, []*blossomtest.Server{primary, mirror1, mirror2})

	desc, err := u.Upload(context.Background(), video)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hash, _ := video.Hash()
	if !strings.HasPrefix(desc.URL, primary.URL+"/"+hash.Hex()) {
		t.Errorf("expected the url of the primary, got %s", desc.URL)
	}
	if desc.Hash.Hex() != hash.Hex() || desc.Size != video.Size || desc.Type != video.Type {
		t.Errorf("unexpected descriptor: %+v", desc)
	}

	if len(desc.FallbackURLs) != 2 {
		t.Fatalf("expected 2 fallbacks, got %v", desc.FallbackURLs)
	}
	for _, mirror := range []*blossomtest.Server{mirror1, mirror2} {
		found := slices.ContainsFunc(desc.FallbackURLs, func(url string) bool {
			return strings.HasPrefix(url, mirror.URL+"/"+hash.Hex())
		})
		if !found {
			t.Errorf("no fallback points to %s: %v", mirror.URL, desc.FallbackURLs)
		}
	}

	// every url serves the same bytes
	for _, url := range append([]string{desc.URL}, desc.FallbackURLs...) {
		if data := fetch(t, url); string(data) != string(videoData) {
			t.Errorf("%s: expected the uploaded blob, got %q", url, data)
		}
	}

	for i, s := range []*blossomtest.Server{primary, mirror1, mirror2} {
		if s.Attempts() != 1 {
			t.Errorf("server %d: expected 1 attempt, got %d", i, s.Attempts())
		}
		if _, ok := s.Blob(hash); !ok {
			t.Errorf("server %d doesn't store the blob", i)
		}
	}
}

func TestUploadPrimaryDown(t *testing.T) {
	primary := startServer(t, down("primary is down"))
	mirror1 := startServer(t)
	mirror2 := startServer(t, down("mirror is down"))
	u := newTestUploader(t, []*blossomtest.Server{primary, mirror1, mirror2}, WithMaxRetries(2))

	desc, err := u.Upload(context.Background(), video)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(desc.URL, mirror1.URL+"/") {
		t.Errorf("expected the url of the working mirror, got %s", desc.URL)
	}
	if len(desc.FallbackURLs) != 0 {
		t.Errorf("expected no fallbacks, got %v", desc.FallbackURLs)
	}
	if primary.Attempts() != 3 {
		t.Errorf("expected the primary to be attempted 3 times, got %d", primary.Attempts())
	}
}

func TestUploadAllServersFail(t *testing.T) {
	reasons := []string{"disk is full", "payment required", "maintenance"}
	servers := make([]*blossomtest.Server, len(reasons))
	for i, reason := range reasons {
		servers[i] = startServer(t, down(reason))
	}
	u := newTestUploader(t, servers, WithMaxRetries(1))

	_, err := u.Upload(context.Background(), video)
	if !errors.Is(err, ErrAllServersFailed) {
		t.Fatalf("expected ErrAllServersFailed, got %v", err)
	}

	for _, reason := range reasons {
		if !strings.Contains(err.Error(), reason) {
			t.Errorf("error message doesn't contain %q: %s", reason, err)
		}
	}

	var serr *ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("expected a ServerError, got %v", err)
	}
	if serr.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", serr.Attempts)
	}

	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusInternalServerError {
		t.Errorf("expected a StatusError with code 500, got %v", status)
	}
}

func TestUploadRetryBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3, 5} {
		t.Run(fmt.Sprintf("max_retries_%d", maxRetries), func(t *testing.T) {
			server := startServer(t, down("always failing"))
			u := newTestUploader(t, []*blossomtest.Server{server}, WithMaxRetries(maxRetries))

			if _, err := u.Upload(context.Background(), video); err == nil {
				t.Fatal("expected error, got nil")
			}
			if server.Attempts() != maxRetries+1 {
				t.Errorf("expected %d attempts, got %d", maxRetries+1, server.Attempts())
			}
		})
	}
}

func TestUploadRetryThenSucceed(t *testing.T) {
	server := startServer(t, blossomtest.WithFailures(2, blossom.Error{Code: http.StatusServiceUnavailable, Reason: "busy"}))
	u := newTestUploader(t, []*blossomtest.Server{server}, WithRetryDelay(time.Millisecond))

	if _, err := u.Upload(context.Background(), video); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if server.Attempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", server.Attempts())
	}
}

func TestUploadFreshCredentials(t *testing.T) {
	server := startServer(t)
	u := newTestUploader(t, []*blossomtest.Server{server})

	for range 2 {
		if _, err := u.Upload(context.Background(), video); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	creds := server.Credentials()
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].ID == creds[1].ID {
		t.Error("two uploads used the same credential")
	}

	first, err := auth.ParseBlossomAuth(&creds[0])
	if err != nil {
		t.Fatalf("invalid credential: %v", err)
	}
	second, err := auth.ParseBlossomAuth(&creds[1])
	if err != nil {
		t.Fatalf("invalid credential: %v", err)
	}
	if !second.Expiration.After(first.Expiration) {
		t.Errorf("expected increasing expirations, got %v then %v", first.Expiration, second.Expiration)
	}
	if first.Size != video.Size {
		t.Errorf("expected size %d in the credential, got %d", video.Size, first.Size)
	}
}

func TestUploadCancel(t *testing.T) {
	server := startServer(t, blossomtest.WithDelay(time.Second))
	u := newTestUploader(t, []*blossomtest.Server{server})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := u.Upload(ctx, video)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if server.Attempts() > 1 {
		t.Errorf("a cancelled upload must not be retried, got %d attempts", server.Attempts())
	}
}

func TestUploadCancelAfterSuccess(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	u := newTestUploader(t, []*blossomtest.Server{server}, WithProgress(func(p Progress) {
		if p.Done && p.Err == nil {
			cancel()
		}
	}))

	desc, err := u.Upload(ctx, video)
	if err != nil {
		t.Fatalf("a completed upload must not fail on a late cancel, got %v", err)
	}
	if !strings.HasPrefix(desc.URL, server.URL) {
		t.Errorf("expected the url of the server, got %s", desc.URL)
	}
}

func TestUploadCredentialExpired(t *testing.T) {
	server := startServer(t, down("always failing"))
	u := newTestUploader(t, []*blossomtest.Server{server},
		WithExpiration(time.Second),
		WithRetryDelay(700*time.Millisecond),
		WithMaxRetries(10),
	)

	_, err := u.Upload(context.Background(), video)
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
	if attempts := server.Attempts(); attempts < 1 || attempts > 2 {
		t.Errorf("expected the retries to stop at the expiration, got %d attempts", attempts)
	}
}

func TestUploadDefaultContentType(t *testing.T) {
	server := startServer(t)
	u := newTestUploader(t, []*blossomtest.Server{server})

	desc, err := u.Upload(context.Background(), FromBytes([]byte("untyped bytes"), ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Type != "application/octet-stream" {
		t.Errorf("expected type application/octet-stream, got %q", desc.Type)
	}

	resp, err := http.Head(desc.URL)
	if err != nil {
		t.Fatalf("failed to fetch %s: %v", desc.URL, err)
	}
	resp.Body.Close()

	if mime := resp.Header.Get("Content-Type"); mime != "application/octet-stream" {
		t.Errorf("expected the server to store application/octet-stream, got %q", mime)
	}
}

func TestUploadInvalidDescriptor(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(*blossomtest.Descriptor)
	}{
		{"wrong hash", func(d *blossomtest.Descriptor) { d.SHA256 = strings.Repeat("a", 64) }},
		{"wrong size", func(d *blossomtest.Descriptor) { d.Size++ }},
		{"malformed hash", func(d *blossomtest.Descriptor) { d.SHA256 = "not a hash" }},
		{"relative url", func(d *blossomtest.Descriptor) { d.URL = "/" + d.SHA256 }},
		{"missing url", func(d *blossomtest.Descriptor) { d.URL = "" }},
		{"url of another blob", func(d *blossomtest.Descriptor) {
			d.URL = strings.Replace(d.URL, d.SHA256, strings.Repeat("b", 64), 1)
		}},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, test.name), func(t *testing.T) {
			server := startServer(t, blossomtest.WithTamper(test.tamper))
			u := newTestUploader(t, []*blossomtest.Server{server}, WithMaxRetries(0))

			_, err := u.Upload(context.Background(), video)
			if !errors.Is(err, ErrInvalidDescriptor) {
				t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
			}
		})
	}
}

func TestUploadProgress(t *testing.T) {
	primary := startServer(t)
	mirror := startServer(t, down("nope"))

	var mu sync.Mutex
	events := make(map[string][]Progress)
	record := func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		events[p.Server] = append(events[p.Server], p)
	}

	u := newTestUploader(t, []*blossomtest.Server{primary, mirror}, WithProgress(record), WithMaxRetries(0))
	if _, err := u.Upload(context.Background(), video); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	for _, s := range []*blossomtest.Server{primary, mirror} {
		progress := events[s.URL]
		if len(progress) == 0 {
			t.Fatalf("no progress for %s", s.URL)
		}

		last := progress[len(progress)-1]
		if !last.Done {
			t.Errorf("%s: the last event must be done, got %+v", s.URL, last)
		}
		for _, p := range progress[:len(progress)-1] {
			if p.Done {
				t.Errorf("%s: done reported more than once", s.URL)
			}
			if p.Total != video.Size || p.Sent > p.Total {
				t.Errorf("%s: inconsistent progress %+v", s.URL, p)
			}
		}
	}

	if last := events[primary.URL][len(events[primary.URL])-1]; last.Err != nil || last.Sent != video.Size {
		t.Errorf("unexpected final progress of the primary: %+v", last)
	}
	if last := events[mirror.URL][len(events[mirror.URL])-1]; last.Err == nil {
		t.Errorf("expected the final progress of the mirror to carry its error")
	}
}

func TestAggregate(t *testing.T) {
	u := &Uploader{
		servers: []string{"https://primary.example", "https://mirror.example", "https://other.example"},
		log:     slog.Default(),
	}

	tests := []struct {
		name      string
		results   []result
		url       string
		fallbacks []string
	}{
		{
			name: "primary wins",
			results: []result{
				{desc: Descriptor{URL: "https://primary.example/a"}},
				{desc: Descriptor{URL: "https://mirror.example/a"}},
				{desc: Descriptor{URL: "https://other.example/a"}},
			},
			url:       "https://primary.example/a",
			fallbacks: []string{"https://mirror.example/a", "https://other.example/a"},
		},
		{
			name: "mirror pointing to the primary",
			results: []result{
				{err: errors.New("down")},
				{desc: Descriptor{URL: "https://mirror.example/a"}},
				{desc: Descriptor{URL: "https://primary.example/a"}},
			},
			url:       "https://primary.example/a",
			fallbacks: []string{"https://mirror.example/a"},
		},
		{
			name: "first success in server order",
			results: []result{
				{err: errors.New("down")},
				{desc: Descriptor{URL: "https://mirror.example/a"}},
				{desc: Descriptor{URL: "https://other.example/a"}},
			},
			url:       "https://mirror.example/a",
			fallbacks: []string{"https://other.example/a"},
		},
		{
			name: "duplicates are removed",
			results: []result{
				{desc: Descriptor{URL: "https://cdn.example/a"}},
				{desc: Descriptor{URL: "https://cdn.example/a"}},
				{desc: Descriptor{URL: "https://mirror.example/a"}},
			},
			url:       "https://cdn.example/a",
			fallbacks: []string{"https://mirror.example/a"},
		},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, test.name), func(t *testing.T) {
			desc, err := u.aggregate(test.results)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if desc.URL != test.url {
				t.Errorf("expected url %s, got %s", test.url, desc.URL)
			}
			if !slices.Equal(desc.FallbackURLs, test.fallbacks) {
				t.Errorf("expected fallbacks %v, got %v", test.fallbacks, desc.FallbackURLs)
			}
		})
	}
}

func TestNew(t *testing.T) {
	signer := auth.GenerateKeySigner()
	servers := []string{"https://cdn.example.com/"}

	tests := []struct {
		name    string
		servers []string
		signer  auth.Signer
		opts    []Option
		err     error
	}{
		{name: "no servers", signer: signer, err: ErrNoServers},
		{name: "no signer", servers: servers, err: ErrNoSigner},
		{name: "invalid scheme", servers: []string{"ftp://cdn.example.com"}, signer: signer},
		{name: "query", servers: []string{"https://cdn.example.com?a=b"}, signer: signer},
		{name: "negative retries", servers: servers, signer: signer, opts: []Option{WithMaxRetries(-1)}},
		{name: "short expiration", servers: servers, signer: signer, opts: []Option{WithExpiration(time.Millisecond)}},
		{name: "nil client", servers: servers, signer: signer, opts: []Option{WithHTTPClient(nil)}},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, test.name), func(t *testing.T) {
			_, err := New(test.servers, test.signer, test.opts...)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if test.err != nil && !errors.Is(err, test.err) {
				t.Fatalf("expected %v, got %v", test.err, err)
			}
		})
	}

	u, err := New(servers, signer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := u.Servers(); !slices.Equal(got, []string{"https://cdn.example.com"}) {
		t.Errorf("expected normalized servers, got %v", got)
	}
}
