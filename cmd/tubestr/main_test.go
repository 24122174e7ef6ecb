package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pippellia-btc/tubestr/internal/blossomtest"
	"github.com/pippellia-btc/tubestr/upload"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errs bytes.Buffer

	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errs)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUploadCommand(t *testing.T) {
	server := blossomtest.New()
	defer server.Close()

	path := filepath.Join(t.TempDir(), "movie.mp4")
	if err := os.WriteFile(path, []byte("not really a movie"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	out, err := run(t, "upload", path,
		"--secret-key", nostr.GeneratePrivateKey(),
		"--servers", server.URL,
		"--type", "video/mp4",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var desc upload.Descriptor
	if err := json.Unmarshal([]byte(out), &desc); err != nil {
		t.Fatalf("failed to decode the output %q: %v", out, err)
	}
	if !strings.HasPrefix(desc.URL, server.URL) {
		t.Errorf("expected the url of the server, got %s", desc.URL)
	}
	if desc.Type != "video/mp4" {
		t.Errorf("expected type video/mp4, got %s", desc.Type)
	}
}

func TestMineCommand(t *testing.T) {
	out, err := run(t, "mine", "gm", "--secret-key", nostr.GeneratePrivateKey(), "--difficulty", "4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var event nostr.Event
	if err := json.Unmarshal([]byte(out), &event); err != nil {
		t.Fatalf("failed to decode the output %q: %v", out, err)
	}
	if !event.CheckID() {
		t.Error("the id of the mined event is invalid")
	}
	if event.Tags.Find("nonce") == nil {
		t.Errorf("expected a nonce tag, got %v", event.Tags)
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "upload without signer", args: []string{"upload", "main.go", "--servers", "https://cdn.example"}},
		{name: "upload missing file", args: []string{"upload", "missing.mp4", "--secret-key", nostr.GeneratePrivateKey()}},
		{name: "publish without relays", args: []string{"publish", "gm", "--secret-key", nostr.GeneratePrivateKey()}},
		{name: "invalid log level", args: []string{"probe", "--log-level", "loud"}},
		{name: "probe without relays", args: []string{"probe"}},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, test.name), func(t *testing.T) {
			if _, err := run(t, test.args...); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		name     string
		raw      []string
		expected nostr.Tags
		isValid  bool
	}{
		{name: "empty", raw: nil, expected: nostr.Tags{}, isValid: true},
		{name: "single value", raw: []string{"t=nostr"}, expected: nostr.Tags{{"t", "nostr"}}, isValid: true},
		{name: "multiple values", raw: []string{"e=abc,wss://relay.example"}, expected: nostr.Tags{{"e", "abc", "wss://relay.example"}}, isValid: true},
		{name: "missing value", raw: []string{"t"}},
		{name: "missing name", raw: []string{"=nostr"}},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, test.name), func(t *testing.T) {
			tags, err := parseTags(test.raw)
			if test.isValid != (err == nil) {
				t.Fatalf("expected valid %v, got error %v", test.isValid, err)
			}
			if test.isValid && !reflect.DeepEqual(tags, test.expected) {
				t.Errorf("expected %v, got %v", test.expected, tags)
			}
		})
	}
}
