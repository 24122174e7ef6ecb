package upload

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/pippellia-btc/blossom"
)

func TestDescriptorValidate(t *testing.T) {
	hash, _ := blossom.ParseHash(strings.Repeat("ab", 32))
	other := strings.Repeat("cd", 32)

	tests := []struct {
		name    string
		url     string
		isValid bool
	}{
		{name: "hash in the path", url: "https://cdn.example/" + hash.Hex(), isValid: true},
		{name: "hash with extension", url: "https://cdn.example/" + hash.Hex() + ".mp4", isValid: true},
		{name: "no hash in the path", url: "https://cdn.example/videos/42", isValid: true},
		{name: "hash of another blob", url: "https://cdn.example/" + other + ".mp4"},
		{name: "relative", url: "/" + hash.Hex()},
		{name: "not http", url: "ftp://cdn.example/" + hash.Hex()},
		{name: "empty"},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, test.name), func(t *testing.T) {
			desc := Descriptor{URL: test.url, BlobMeta: blossom.BlobMeta{Hash: hash, Size: 10}}
			err := desc.validate(hash, 10)
			if test.isValid != (err == nil) {
				t.Fatalf("expected valid %v, got error %v", test.isValid, err)
			}
		})
	}
}

func TestDescriptorJSON(t *testing.T) {
	data := `{"url":"https://cdn.example/x","sha256":"` + strings.Repeat("ab", 32) + `","size":3,"type":"video/mp4","uploaded":1700000000}`

	var desc Descriptor
	if err := json.Unmarshal([]byte(data), &desc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Hash.Hex() != strings.Repeat("ab", 32) || desc.Size != 3 || desc.Type != "video/mp4" || desc.CreatedAt != 1700000000 {
		t.Errorf("unexpected descriptor: %+v", desc)
	}

	desc.FallbackURLs = []string{"https://mirror.example/x"}
	encoded, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(encoded), `"fallbackUrls":["https://mirror.example/x"]`) {
		t.Errorf("expected the fallback urls in %s", encoded)
	}

	if err := json.Unmarshal([]byte(`{"url":"https://cdn.example/x","sha256":"nope"}`), &desc); err == nil {
		t.Error("expected error for a malformed sha256")
	}
}
