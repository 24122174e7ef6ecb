package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const file = `
secret-key: nsec1example
servers:
  - https://cdn.example
  - https://mirror.example
relays:
  - wss://relay.example
difficulty: 12
mining-timeout: 30s
log-level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tubestr.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(config, Default()) {
		t.Errorf("expected %+v, got %+v", Default(), config)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, file)
	t.Setenv("TUBESTR_DIFFICULTY", "16")
	t.Setenv("TUBESTR_RELAYS", "wss://a.example,wss://b.example")
	t.Setenv("TUBESTR_MAX_RETRIES", "5")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-retries", 3, "")
	flags.Duration("retry-delay", 0, "")
	if err := flags.Parse([]string{"--max-retries=1"}); err != nil {
		t.Fatalf("failed to parse flags: %v", err)
	}

	config, err := Load(path, flags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := Config{
		SecretKey:      "nsec1example",
		Servers:        []string{"https://cdn.example", "https://mirror.example"},
		Relays:         []string{"wss://a.example", "wss://b.example"},
		Difficulty:     16,
		MiningTimeout:  30 * time.Second,
		MaxRetries:     1,
		PublishTimeout: Default().PublishTimeout,
		LogLevel:       "debug",
	}

	if !reflect.DeepEqual(config, expected) {
		t.Errorf("expected %+v, got %+v", expected, config)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content string
	}{
		{name: "missing file", path: filepath.Join(t.TempDir(), "missing.yaml")},
		{name: "invalid log level", content: "log-level: loud"},
		{name: "difficulty too high", content: "difficulty: 300"},
		{name: "negative retries", content: "max-retries: -1"},
		{name: "malformed", content: "servers: [unclosed"},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, test.name), func(t *testing.T) {
			path := test.path
			if path == "" {
				path = writeConfig(t, test.content)
			}

			if _, err := Load(path, nil); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestOptions(t *testing.T) {
	config := Default()
	if len(config.Options(nil)) != 7 {
		t.Errorf("expected only the base options without a secret key or timeout")
	}

	config.SecretKey = "nsec1example"
	config.MiningTimeout = time.Minute
	if len(config.Options(nil)) != 9 {
		t.Errorf("expected the secret key and timeout options")
	}
}
