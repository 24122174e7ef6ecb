package tubestr

import "errors"

var (
	ErrNoSigner       = errors.New("a signer is required: use WithSigner or WithSecretKey")
	ErrNoServers      = errors.New("no blossom server is configured: use WithServers")
	ErrNoRelays       = errors.New("no relay is configured: use WithRelays")
	ErrInvalidRelay   = errors.New("invalid relay url")
	ErrPubkeyMismatch = errors.New("event pubkey doesn't match the signer")
)
