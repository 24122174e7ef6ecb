package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pippellia-btc/blossom"
	"github.com/pippellia-btc/tubestr/utils"
)

const (
	maxDescriptorSize = 64 << 10
	maxReasonSize     = 1 << 10
)

// Descriptor describes a blob stored on one or more servers.
type Descriptor struct {
	URL string
	blossom.BlobMeta

	// FallbackURLs are the URLs of the same blob on the other servers that stored it.
	// It never contains URL.
	FallbackURLs []string
}

// descriptorJSON is the wire form of a descriptor as per BUD-02.
type descriptorJSON struct {
	URL          string   `json:"url"`
	SHA256       string   `json:"sha256"` // Hex-encoded SHA256 hash
	Size         int64    `json:"size"`
	Type         string   `json:"type,omitempty"`
	Uploaded     int64    `json:"uploaded,omitempty"` // Unix timestamp
	FallbackURLs []string `json:"fallbackUrls,omitempty"`
}

func (d Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(descriptorJSON{
		URL:          d.URL,
		SHA256:       d.Hash.Hex(),
		Size:         d.Size,
		Type:         d.Type,
		Uploaded:     d.CreatedAt,
		FallbackURLs: d.FallbackURLs,
	})
}

func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var raw descriptorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	hash, err := blossom.ParseHash(raw.SHA256)
	if err != nil {
		return fmt.Errorf("invalid sha256 %q: %w", raw.SHA256, err)
	}

	*d = Descriptor{
		URL: raw.URL,
		BlobMeta: blossom.BlobMeta{
			Hash:      hash,
			Type:      raw.Type,
			Size:      raw.Size,
			CreatedAt: raw.Uploaded,
		},
		FallbackURLs: raw.FallbackURLs,
	}
	return nil
}

// StatusError is returned when a server responds with a non-2xx status code.
// The reason is the "X-Reason" header as per BUD-01, or the response body.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Reason)
}

var ErrInvalidDescriptor = errors.New("invalid blob descriptor")

// parseResponse returns the descriptor of a successful upload of the blob with
// the provided hash and size, or the error reported by the server.
func parseResponse(resp *http.Response, hash blossom.Hash, size int64) (Descriptor, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Descriptor{}, statusError(resp)
	}

	data, err := utils.ReadNoMore(resp.Body, maxDescriptorSize)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}

	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if err := desc.validate(hash, size); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}

	desc.FallbackURLs = nil
	return desc, nil
}

func statusError(resp *http.Response) *StatusError {
	err := &StatusError{
		Code:   resp.StatusCode,
		Reason: resp.Header.Get("X-Reason"),
	}

	if err.Reason == "" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonSize))
		err.Reason = strings.TrimSpace(string(body))
	}
	return err
}

func (d Descriptor) validate(hash blossom.Hash, size int64) error {
	if d.URL == "" {
		return errors.New("missing url")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: must be an absolute http(s) url", d.URL)
	}

	// servers may serve blobs from URLs without the hash, but never with another one
	if other, err := utils.BlobHash(u); err == nil && other.Hex() != hash.Hex() {
		return fmt.Errorf("url %q points to another blob", d.URL)
	}

	if d.Hash.Hex() != hash.Hex() {
		return fmt.Errorf("sha256 mismatch: expected %s, got %s", hash.Hex(), d.Hash.Hex())
	}
	if d.Size != size {
		return fmt.Errorf("size mismatch: expected %d, got %d", size, d.Size)
	}
	return nil
}

// host returns the host of the descriptor URL.
func (d Descriptor) host() string {
	u, err := url.Parse(d.URL)
	if err != nil {
		return ""
	}
	return u.Host
}
