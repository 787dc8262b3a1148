package sshhosts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubResolver struct{ fqdn string }

func (s stubResolver) GuessFQDN(_ context.Context, _, fallback string) string {
	if s.fqdn != "" {
		return s.fqdn
	}
	return fallback
}

func TestKnownHostsUpdateAppendsLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	kh := New(path)
	pairs := []HostIP{{Hostname: "web1", IP: "10.0.0.2"}}
	if err := kh.Update(context.Background(), pairs, "ssh-rsa AAA", stubResolver{fqdn: "web1.example"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "web1.example,10.0.0.2 ssh-rsa AAA\n"
	if !strings.HasSuffix(string(got), want) {
		t.Errorf("content = %q, want suffix %q", got, want)
	}
}

func TestKnownHostsCheckAndRemoveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(path, []byte("web1.example,10.0.0.2 ssh-rsa AAA\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	kh := New(path)
	ctx := context.Background()

	present, err := kh.Check(ctx, "web1.example")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !present {
		t.Fatal("expected entry to be present")
	}

	if err := kh.Remove(ctx, "web1.example"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	present, err = kh.Check(ctx, "web1.example")
	if err != nil {
		t.Fatalf("Check after remove: %v", err)
	}
	if present {
		t.Error("expected entry to be gone after Remove")
	}
}
