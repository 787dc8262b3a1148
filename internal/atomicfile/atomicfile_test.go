package atomicfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveCreatesFileWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")

	if err := Save(path, []byte("[all]\nweb1 ansible_host=10.0.0.2\n"), 0o644); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "[all]\nweb1 ansible_host=10.0.0.2\n" {
		t.Errorf("content = %q", got)
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")

	if err := Save(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	if err := Save(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("Save v2: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "v2" {
		t.Errorf("content = %q, want v2", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}
