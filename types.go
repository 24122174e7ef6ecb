package tubestr

import (
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pippellia-btc/tubestr/upload"
)

// Video event kinds as per NIP-71.
// Learn more here: https://github.com/nostr-protocol/nips/blob/master/71.md
const (
	KindVideo      = 21
	KindShortVideo = 22
)

// Video is the metadata of a video, published alongside the uploaded file.
type Video struct {
	Title   string
	Summary string

	// Alt is a description of the video for accessibility.
	Alt string

	Duration time.Duration

	// Short marks vertical, short-form videos, which are published as kind 22.
	Short bool

	// Dimensions of the video in pixels, e.g. "1920x1080". Optional.
	Dimensions string

	// Thumbnail is the URL of a preview image. Optional.
	Thumbnail string

	Hashtags []string
}

// Kind returns the event kind of the video.
func (v Video) Kind() int {
	if v.Short {
		return KindShortVideo
	}
	return KindVideo
}

// Event returns the unsigned video event referencing the uploaded file.
func (v Video) Event(desc upload.Descriptor) nostr.Event {
	now := nostr.Now()
	event := nostr.Event{
		Kind:      v.Kind(),
		CreatedAt: now,
		Content:   v.Summary,
		Tags: nostr.Tags{
			{"title", v.Title},
			{"published_at", strconv.FormatInt(int64(now), 10)},
		},
	}

	if v.Alt != "" {
		event.Tags = append(event.Tags, nostr.Tag{"alt", v.Alt})
	}
	if v.Duration > 0 {
		event.Tags = append(event.Tags, nostr.Tag{"duration", strconv.FormatInt(int64(v.Duration.Seconds()), 10)})
	}

	event.Tags = append(event.Tags, IMetaTag(desc, v.Dimensions, v.Thumbnail))
	for _, tag := range v.Hashtags {
		event.Tags = append(event.Tags, nostr.Tag{"t", tag})
	}
	return event
}

// IMetaTag returns the NIP-92 "imeta" tag describing the uploaded file.
// Empty dimensions and thumbnail are omitted.
func IMetaTag(desc upload.Descriptor, dimensions, thumbnail string) nostr.Tag {
	tag := nostr.Tag{"imeta", "url " + desc.URL, "x " + desc.Hash.Hex()}
	if desc.Type != "" {
		tag = append(tag, "m "+desc.Type)
	}
	tag = append(tag, "size "+strconv.FormatInt(desc.Size, 10))

	if dimensions != "" {
		tag = append(tag, "dim "+dimensions)
	}
	if thumbnail != "" {
		tag = append(tag, "image "+thumbnail)
	}
	for _, url := range desc.FallbackURLs {
		tag = append(tag, "fallback "+url)
	}
	return tag
}
