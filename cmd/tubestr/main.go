// Command tubestr mines, uploads and publishes videos on Nostr and Blossom.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pippellia-btc/tubestr"
	"github.com/pippellia-btc/tubestr/internal/config"
	"github.com/pippellia-btc/tubestr/relay"
	"github.com/pippellia-btc/tubestr/upload"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds the state shared by the commands.
type app struct {
	configPath string
	config     config.Config
	log        *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "tubestr",
		Short:        "Publish videos on Nostr, stored on Blossom servers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path of the config file")
	flags.String("secret-key", "", "secret key, hex or nsec (prefer TUBESTR_SECRET_KEY)")
	flags.StringSlice("servers", nil, "blossom servers, the first is the primary")
	flags.StringSlice("relays", nil, "relays events are published to")
	flags.Int("difficulty", 0, "proof-of-work difficulty of published events")
	flags.Duration("mining-timeout", 0, "maximum duration of the proof-of-work of one event")
	flags.Int("max-retries", upload.DefaultMaxRetries, "retries of a failed upload to a server")
	flags.Duration("retry-delay", 0, "delay between upload retries")
	flags.Duration("publish-timeout", relay.DefaultPublishTimeout, "maximum duration of the publication to one relay")
	flags.String("log-level", "info", "debug, info, warn or error")

	root.AddCommand(
		newMineCommand(a),
		newUploadCommand(a),
		newPublishCommand(a),
		newVideoCommand(a),
		newProbeCommand(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	c, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}

	level, err := c.Level()
	if err != nil {
		return err
	}

	a.config = c
	a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func (a *app) client(opts ...tubestr.Option) (*tubestr.Client, error) {
	opts = append(a.config.Options(a.log), opts...)
	client, err := tubestr.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create the client: %w", err)
	}
	return client, nil
}

func output(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
