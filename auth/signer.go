package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/pippellia-btc/blossom"
)

// Signer is the signing authority of the user, such as a local key,
// a remote bunker or a browser extension.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)

	// SignEvent sets the pubkey, id and signature of the event.
	SignEvent(ctx context.Context, event *nostr.Event) error
}

// KeySigner is a [Signer] backed by a secret key held in memory.
type KeySigner struct {
	secret string
	pubkey string
}

// NewKeySigner returns a signer for the provided secret key, either hex or "nsec" encoded.
func NewKeySigner(secret string) (*KeySigner, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "nsec") {
		prefix, value, err := nip19.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("invalid nsec: %w", err)
		}
		if prefix != "nsec" {
			return nil, fmt.Errorf("invalid nsec: unexpected prefix %q", prefix)
		}

		hex, ok := value.(string)
		if !ok {
			return nil, errors.New("invalid nsec: unexpected payload")
		}
		secret = hex
	}

	if len(secret) != 64 {
		return nil, errors.New("invalid secret key: must be 32 bytes hex encoded")
	}

	pubkey, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &KeySigner{secret: secret, pubkey: pubkey}, nil
}

// GenerateKeySigner returns a signer for a freshly generated secret key.
func GenerateKeySigner() *KeySigner {
	secret := nostr.GeneratePrivateKey()
	pubkey, _ := nostr.GetPublicKey(secret)
	return &KeySigner{secret: secret, pubkey: pubkey}
}

func (s *KeySigner) GetPublicKey(context.Context) (string, error) { return s.pubkey, nil }

func (s *KeySigner) SignEvent(_ context.Context, event *nostr.Event) error {
	return event.Sign(s.secret)
}

// Credential is a signed authorization event, ready to be attached to requests.
type Credential struct {
	Event  nostr.Event
	Header string
}

// Expiration returns the expiration of the credential, or the zero time if it has none.
func (c Credential) Expiration() time.Time {
	auth, err := ParseBlossomAuth(&c.Event)
	if err != nil {
		return time.Time{}
	}
	return auth.Expiration
}

// NewUploadCredential signs a fresh upload authorization for the blob with the provided hash and size.
// Credentials are single-use: callers must mint a new one for every upload.
func NewUploadCredential(ctx context.Context, signer Signer, hash blossom.Hash, size int64, expiration time.Time) (Credential, error) {
	if signer == nil {
		return Credential{}, errors.New("signer is nil")
	}

	event := NewUploadAuth(hash, size, expiration)
	if err := signer.SignEvent(ctx, &event); err != nil {
		return Credential{}, fmt.Errorf("failed to sign upload authorization: %w", err)
	}

	header, err := Header(&event)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Event: event, Header: header}, nil
}
