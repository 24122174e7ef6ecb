// Package blossomtest provides an in-memory Blossom server for tests.
package blossomtest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pippellia-btc/blossom"
	"github.com/pippellia-btc/tubestr/auth"
	"github.com/pippellia-btc/tubestr/utils"
)

// MaxBlobSize is the largest blob the server accepts.
const MaxBlobSize = 32 << 20

// Descriptor is the JSON form of a [blossom.BlobMeta] returned by PUT /upload as per BUD-02.
type Descriptor struct {
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Type     string `json:"type,omitempty"`
	Uploaded int64  `json:"uploaded"`
}

type blob struct {
	data []byte
	mime string
}

// Server is a Blossom server backed by an [httptest.Server].
// Uploads must carry a valid kind 24242 authorization for the blob hash.
type Server struct {
	*httptest.Server
	log *slog.Logger

	// scripted failures
	failures int
	failWith blossom.Error
	delay    time.Duration
	tamper   func(*Descriptor)

	mu          sync.Mutex
	blobs       map[blossom.Hash]blob
	attempts    int
	credentials []nostr.Event
}

type Option func(*Server)

// WithFailures makes the first n uploads fail with the provided error.
// A negative n makes every upload fail.
func WithFailures(n int, err blossom.Error) Option {
	return func(s *Server) {
		s.failures = n
		s.failWith = err
	}
}

// WithDelay makes the server wait before answering uploads,
// or until the request is cancelled.
func WithDelay(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// WithTamper lets the test alter the descriptor returned by successful uploads.
func WithTamper(tamper func(*Descriptor)) Option {
	return func(s *Server) { s.tamper = tamper }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New starts a server. Callers should call [Server.Close] when done.
func New(opts ...Option) *Server {
	s := &Server{
		log:   slog.Default(),
		blobs: make(map[blossom.Hash]blob),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.Server = httptest.NewServer(s)
	return s
}

// Host returns the host (and port) of the server.
func (s *Server) Host() string {
	u, _ := url.Parse(s.URL)
	return u.Host
}

// Attempts returns the number of PUT /upload requests received.
func (s *Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Credentials returns the authorization events of the PUT /upload requests, in order.
func (s *Server) Credentials() []nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]nostr.Event(nil), s.credentials...)
}

// Blob returns the stored blob with the provided hash.
func (s *Server) Blob(hash blossom.Hash) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[hash]
	return b.data, ok
}

// ServeHTTP implements the [http.Handler] interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/upload" && r.Method == http.MethodPut:
		s.HandleUpload(w, r)

	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		s.HandleFetch(w, r)

	default:
		http.Error(w, "Unsupported request", http.StatusBadRequest)
	}
}

// HandleUpload handles the PUT /upload endpoint.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.recordAttempt(r); err != nil {
		io.Copy(io.Discard, io.LimitReader(r.Body, MaxBlobSize))
		blossom.WriteError(w, *err)
		return
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}

	hash, err := blossom.ParseHash(r.Header.Get("X-SHA-256"))
	if err != nil {
		blossom.WriteError(w, *blossom.ErrBadRequest("'X-SHA-256' header is invalid: " + err.Error()))
		return
	}

	if _, err := auth.AuthenticateUpload(r, s.Host(), hash); err != nil {
		blossom.WriteError(w, *blossom.ErrUnauthorized(err.Error()))
		return
	}

	data, err := utils.ReadNoMore(r.Body, MaxBlobSize)
	if err != nil {
		blossom.WriteError(w, *blossom.ErrTooLarge(err.Error()))
		return
	}
	if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != hash.Hex() {
		blossom.WriteError(w, *blossom.ErrBadRequest("body doesn't match the 'X-SHA-256' header"))
		return
	}

	meta := blossom.BlobMeta{
		Hash:      hash,
		Type:      r.Header.Get("Content-Type"),
		Size:      int64(len(data)),
		CreatedAt: time.Now().Unix(),
	}

	s.mu.Lock()
	s.blobs[hash] = blob{data: data, mime: meta.Type}
	s.mu.Unlock()

	descriptor := Descriptor{
		URL:      s.URL + "/" + meta.Hash.Hex() + meta.Extension(),
		SHA256:   meta.Hash.Hex(),
		Size:     meta.Size,
		Type:     meta.Type,
		Uploaded: meta.CreatedAt,
	}
	if s.tamper != nil {
		s.tamper(&descriptor)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(descriptor); err != nil {
		s.log.Error("failed to encode blob descriptor", "error", err, "hash", hash)
	}
}

// recordAttempt counts the upload and consumes a scripted failure, if any.
func (s *Server) recordAttempt(r *http.Request) *blossom.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if event, err := auth.ExtractEvent(r); err == nil {
		s.credentials = append(s.credentials, *event)
	}

	if s.failures == 0 {
		return nil
	}
	if s.failures > 0 {
		s.failures--
	}
	return &s.failWith
}

// HandleFetch handles the GET and HEAD /<sha256>.<ext> endpoints.
func (s *Server) HandleFetch(w http.ResponseWriter, r *http.Request) {
	hash, _, err := utils.ParseHashExt(r.URL.Path)
	if err != nil {
		blossom.WriteError(w, *blossom.ErrBadRequest(err.Error()))
		return
	}

	s.mu.Lock()
	b, ok := s.blobs[hash]
	s.mu.Unlock()

	if !ok {
		blossom.WriteError(w, *blossom.ErrNotFound("blob not found"))
		return
	}

	w.Header().Set("Content-Type", b.mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(b.data)))
	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, bytes.NewReader(b.data)); err != nil {
		s.log.Error("failure in GET /<sha256>", "error", err)
	}
}
