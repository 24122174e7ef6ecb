package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pippellia-btc/tubestr"
	"github.com/pippellia-btc/tubestr/relay"
	"github.com/pippellia-btc/tubestr/upload"
	"github.com/spf13/cobra"
)

func newMineCommand(a *app) *cobra.Command {
	var kind int

	cmd := &cobra.Command{
		Use:   "mine <content>",
		Short: "Mine the proof-of-work of an event, without signing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			event := nostr.Event{Kind: kind, Content: args[0], Tags: nostr.Tags{}}
			mined, err := client.Mine(cmd.Context(), event, a.config.Difficulty)
			if err != nil {
				return err
			}
			return output(cmd, mined)
		},
	}

	cmd.Flags().IntVarP(&kind, "kind", "k", nostr.KindTextNote, "kind of the event")
	return cmd
}

func newPublishCommand(a *app) *cobra.Command {
	var kind int
	var tags []string

	cmd := &cobra.Command{
		Use:   "publish <content>",
		Short: "Sign and publish an event to the relays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseTags(tags)
			if err != nil {
				return err
			}

			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			event := nostr.Event{Kind: kind, Content: args[0], Tags: parsed}
			published, err := client.Publish(cmd.Context(), event)
			if err != nil {
				return err
			}
			return output(cmd, published)
		},
	}

	cmd.Flags().IntVarP(&kind, "kind", "k", nostr.KindTextNote, "kind of the event")
	cmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, `tag of the event as "name=value[,value...]"`)
	return cmd
}

// parseTags parses tags in the form "name=value[,value...]".
func parseTags(raw []string) (nostr.Tags, error) {
	tags := make(nostr.Tags, 0, len(raw))
	for _, r := range raw {
		name, values, ok := strings.Cut(r, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid tag %q: expected name=value", r)
		}

		tag := nostr.Tag{name}
		tag = append(tag, strings.Split(values, ",")...)
		tags = append(tags, tag)
	}
	return tags, nil
}

func newUploadCommand(a *app) *cobra.Command {
	var mime string

	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file to the primary blossom server and its mirrors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, f, err := upload.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if mime != "" {
				file.Type = mime
			}

			client, err := a.client(tubestr.WithProgress(a.reportProgress))
			if err != nil {
				return err
			}
			defer client.Close()

			desc, err := client.Upload(cmd.Context(), file)
			if err != nil {
				return err
			}
			return output(cmd, desc)
		},
	}

	cmd.Flags().StringVarP(&mime, "type", "m", "", "MIME type of the file, detected if empty")
	return cmd
}

func (a *app) reportProgress(p upload.Progress) {
	switch {
	case p.Done && p.Err != nil:
		a.log.Warn("upload failed", "server", p.Server, "error", p.Err)
	case p.Done:
		a.log.Info("upload completed", "server", p.Server, "bytes", p.Total)
	default:
		a.log.Debug("uploading", "server", p.Server, "sent", p.Sent, "total", p.Total)
	}
}

func newVideoCommand(a *app) *cobra.Command {
	var video tubestr.Video
	var mime string

	cmd := &cobra.Command{
		Use:   "video <path>",
		Short: "Upload a video and publish its event (NIP-71)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, f, err := upload.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if mime != "" {
				file.Type = mime
			}
			if video.Title == "" {
				return fmt.Errorf("the title of the video is required")
			}

			client, err := a.client(tubestr.WithProgress(a.reportProgress))
			if err != nil {
				return err
			}
			defer client.Close()

			event, desc, err := client.PublishVideo(cmd.Context(), file, video)
			if err != nil {
				if desc.URL != "" {
					a.log.Error("the video was uploaded but not published", "url", desc.URL)
				}
				return err
			}
			return output(cmd, event)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&video.Title, "title", "", "title of the video")
	flags.StringVar(&video.Summary, "summary", "", "description of the video")
	flags.StringVar(&video.Alt, "alt", "", "accessibility description")
	flags.DurationVar(&video.Duration, "duration", 0, "duration of the video")
	flags.BoolVar(&video.Short, "short", false, "publish as a short vertical video")
	flags.StringVar(&video.Dimensions, "dim", "", `dimensions of the video, like "1920x1080"`)
	flags.StringVar(&video.Thumbnail, "thumbnail", "", "url of the preview image")
	flags.StringSliceVar(&video.Hashtags, "hashtag", nil, "hashtags of the video")
	flags.StringVarP(&mime, "type", "m", "", "MIME type of the file, detected if empty")
	return cmd
}

func newProbeCommand(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe [relay...]",
		Short: "Rank relays by the latency of their websocket handshake",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := args
			if len(urls) == 0 {
				urls = a.config.Relays
			}

			prober, err := relay.NewProber(
				relay.WithProbeTimeout(timeout),
				relay.WithProberLogger(a.log),
			)
			if err != nil {
				return err
			}

			ranked, err := prober.Rank(cmd.Context(), urls)
			if err != nil {
				return err
			}

			for _, r := range ranked {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", r.URL, r.Latency.Round(time.Millisecond))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", relay.DefaultProbeTimeout, "timeout of each probe")
	return cmd
}
