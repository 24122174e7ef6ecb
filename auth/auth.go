package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pippellia-btc/blossom"
	"github.com/pippellia-btc/tubestr/utils"
)

// Action is the value of the "t" tag of an authorization event.
type Action string

// ActionUpload authorizes PUT /upload.
const ActionUpload Action = "upload"

const Scheme = "Nostr"

var (
	ErrMissingHeader = errors.New("missing 'Authorization' header")
	ErrInvalidScheme = errors.New("authorization scheme must be 'Nostr <base64_event>'")
	ErrInvalidBase64 = errors.New("failed to decode base64 event payload")
	ErrInvalidJSON   = errors.New("invalid event json")
)

// Header encodes the signed event as the value of the "Authorization" header,
// using the "Nostr <base64_event>" scheme of BUD-11.
func Header(event *nostr.Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode auth event: %w", err)
	}
	return Scheme + " " + base64.StdEncoding.EncodeToString(data), nil
}

// AuthenticateUpload verifies that the request carries a signed upload authorization
// for the blob with the provided hash, valid for the server hostname.
func AuthenticateUpload(r *http.Request, hostname string, hash blossom.Hash) (*BlossomAuth, error) {
	event, err := ExtractEvent(r)
	if err != nil {
		return nil, err
	}
	if err := verify(event); err != nil {
		return nil, fmt.Errorf("auth failed: %w", err)
	}

	auth, err := ParseBlossomAuth(event)
	if err != nil {
		return nil, fmt.Errorf("auth failed: %w", err)
	}
	if err := auth.Validate(ActionUpload, hash, hostname); err != nil {
		return nil, fmt.Errorf("auth failed: %w", err)
	}
	if auth.Size >= 0 && r.ContentLength >= 0 && auth.Size != r.ContentLength {
		return nil, fmt.Errorf("auth failed: declared size %d, got %d", auth.Size, r.ContentLength)
	}
	return auth, nil
}

func verify(event *nostr.Event) error {
	if !event.CheckID() {
		return errors.New("invalid event ID")
	}
	ok, err := event.CheckSignature()
	if err != nil {
		return fmt.Errorf("invalid event signature: %w", err)
	}
	if !ok {
		return errors.New("invalid event signature")
	}
	return nil
}

// ExtractEvent decodes the event of the "Authorization" header, without verifying it.
func ExtractEvent(r *http.Request) (*nostr.Event, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingHeader
	}

	scheme, payload, ok := strings.Cut(header, " ")
	if !ok || scheme != Scheme || payload == "" || strings.Contains(payload, " ") {
		return nil, ErrInvalidScheme
	}

	data, err := utils.DecodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBase64, err)
	}

	event := &nostr.Event{}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}
	return event, nil
}
