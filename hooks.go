package tubestr

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/pippellia-btc/tubestr/upload"
)

// Operation is the client operation a result refers to.
type Operation string

const (
	OpMine    Operation = "mine"
	OpUpload  Operation = "upload"
	OpPublish Operation = "publish"
)

// Hooks of the client, invoked with the results of its operations.
// They are the place to update the application state, e.g. the UI store.
type Hooks struct {
	On OnHooks
}

// Slice is an internal type used to simplify registration of hooks.
type slice[T any] []T

// Append adds hooks to the end of the slice, in the provided order.
func (s *slice[T]) Append(hooks ...T) {
	*s = append(*s, hooks...)
}

// Prepend adds hooks to the start of the slice, in the provided order.
func (s *slice[T]) Prepend(hooks ...T) {
	*s = append(hooks, *s...)
}

// Clear resets the slice, removing all registered hooks.
func (s *slice[T]) Clear() {
	*s = nil
}

// OnHooks are invoked sequentially, in registration order, on the goroutine of the operation.
// They must not block for long.
type OnHooks struct {
	// Mined is invoked after the proof-of-work of an event is found, before signing.
	Mined slice[func(event nostr.Event)]

	// Uploaded is invoked after a file is stored by at least one server.
	Uploaded slice[func(desc upload.Descriptor)]

	// Published is invoked after a signed event is accepted by at least one relay.
	Published slice[func(event nostr.Event, relays []string)]

	// Failed is invoked when an operation fails.
	// A mining failure during [Client.Publish] is reported as OpMine, then as OpPublish.
	Failed slice[func(op Operation, err error)]
}

func (h OnHooks) mined(event nostr.Event) {
	for _, hook := range h.Mined {
		hook(event)
	}
}

func (h OnHooks) uploaded(desc upload.Descriptor) {
	for _, hook := range h.Uploaded {
		hook(desc)
	}
}

func (h OnHooks) published(event nostr.Event, relays []string) {
	for _, hook := range h.Published {
		hook(event, relays)
	}
}

func (h OnHooks) failed(op Operation, err error) {
	for _, hook := range h.Failed {
		hook(op, err)
	}
}
