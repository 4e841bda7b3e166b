package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEmptyAllowlistIsUnrestricted(t *testing.T) {
	a := NewAllowlist(nil)
	if !a.Allows("https://anywhere.example") {
		t.Error("Empty allowlist should allow everything")
	}
}

func TestAllowlistMatching(t *testing.T) {
	a := NewAllowlist([]string{"example.com", "internal.corp"})

	cases := []struct {
		url     string
		allowed bool
	}{
		{"https://example.com/page", true},
		{"https://docs.example.com/start", true},
		{"https://example.com:8443/", true},
		{"https://evil.com", false},
		{"https://notexample.com", false},
		{"https://example.com.evil.net", false},
		{"https://internal.corp/wiki", true},
		{"::bad-url::", false},
	}
	for _, tc := range cases {
		if got := a.Allows(tc.url); got != tc.allowed {
			t.Errorf("Allows(%q) = %v, want %v", tc.url, got, tc.allowed)
		}
	}
}

func TestAllowlistFileReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.txt")
	if err := os.WriteFile(path, []byte("# hosts\nexample.com\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	a := NewAllowlist(nil)
	if err := a.WatchFile(path); err != nil {
		t.Fatalf("WatchFile failed: %v", err)
	}
	defer a.Close()

	if !a.Allows("https://example.com") || a.Allows("https://other.com") {
		t.Fatal("Initial file load not applied")
	}

	if err := os.WriteFile(path, []byte("example.com\nother.com\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Allows("https://other.com") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("File change was not picked up")
}
