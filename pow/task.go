package pow

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"
)

// MaxDifficulty is the number of bits of an event ID.
const MaxDifficulty = 256

var (
	ErrTimeout           = errors.New("mining task timed out")
	ErrClosed            = errors.New("mining dispatcher is closed")
	ErrWorkerStopped     = errors.New("mining worker stopped responding")
	ErrInvalidDifficulty = fmt.Errorf("difficulty must be between 0 and %d", MaxDifficulty)
	ErrMissingPubkey     = errors.New("event pubkey must be set before mining, as it's part of the ID")
	ErrInvalidWork       = errors.New("worker returned an event that doesn't satisfy the difficulty")
)

// Request is the message posted to the worker to mine an event.
type Request struct {
	TaskID     string      `json:"taskId"`
	Event      nostr.Event `json:"event"`
	Difficulty int         `json:"difficulty"`
}

// Response is the message the worker posts back once a [Request] is done.
// Exactly one of Event and Error is set.
type Response struct {
	TaskID string       `json:"taskId"`
	Event  *nostr.Event `json:"event,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// WorkerError is returned when the worker reports a failure for a task.
type WorkerError struct {
	TaskID  string
	Message string
}

func (e *WorkerError) Error() string {
	return "mining task " + e.TaskID + " failed: " + e.Message
}

// verify the response of the worker against the originating request,
// returning the mined event.
func verify(req Request, resp Response) (nostr.Event, error) {
	if resp.Error != "" {
		return nostr.Event{}, &WorkerError{TaskID: req.TaskID, Message: resp.Error}
	}
	if resp.Event == nil {
		return nostr.Event{}, fmt.Errorf("%w: response has no event", ErrInvalidWork)
	}

	event := *resp.Event
	if !event.CheckID() {
		return nostr.Event{}, fmt.Errorf("%w: id doesn't match the event", ErrInvalidWork)
	}
	if got := nip13.Difficulty(event.ID); got < req.Difficulty {
		return nostr.Event{}, fmt.Errorf("%w: got %d bits, expected %d", ErrInvalidWork, got, req.Difficulty)
	}
	if _, found := nonceTag(event.Tags, req.Difficulty); !found {
		return nostr.Event{}, fmt.Errorf("%w: missing nonce tag committing to %d", ErrInvalidWork, req.Difficulty)
	}
	return event, nil
}

// nonceTag returns the index of the NIP-13 nonce tag committing to the difficulty.
func nonceTag(tags nostr.Tags, difficulty int) (int, bool) {
	target := strconv.Itoa(difficulty)
	for i, tag := range tags {
		if len(tag) >= 3 && tag[0] == "nonce" && tag[2] == target {
			return i, true
		}
	}
	return -1, false
}

// withoutNonce returns a copy of the tags without any nonce tag.
func withoutNonce(tags nostr.Tags) nostr.Tags {
	out := make(nostr.Tags, 0, len(tags)+1)
	for _, tag := range tags {
		if len(tag) > 0 && tag[0] == "nonce" {
			continue
		}
		out = append(out, tag)
	}
	return out
}
