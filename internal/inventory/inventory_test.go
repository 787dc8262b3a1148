package inventory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSingleVMHappyPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	g := New(path)

	if err := g.Update("web", Host{Name: "web1", AnsibleHost: "10.0.0.2", OS: "unix"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "[all]\nweb1 ansible_host=10.0.0.2 ansible_user=root\n" +
		"[web]\nweb1 ansible_host=10.0.0.2 ansible_user=root\n"
	if string(got) != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestAllSectionPrecedesAlphabetizedRoles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	g := New(path)

	_ = g.Update("zebra", Host{Name: "z1", AnsibleHost: "10.0.0.5", OS: "unix"})
	_ = g.Update("apple", Host{Name: "a1", AnsibleHost: "10.0.0.6", OS: "unix"})

	got, _ := os.ReadFile(path)
	content := string(got)

	allIdx := indexOf(content, "[all]")
	appleIdx := indexOf(content, "[apple]")
	zebraIdx := indexOf(content, "[zebra]")

	if !(allIdx < appleIdx && appleIdx < zebraIdx) {
		t.Errorf("expected order all < apple < zebra, got indices %d %d %d", allIdx, appleIdx, zebraIdx)
	}
}

func TestWindowsHostLineIncludesWinRMFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	g := New(path)

	err := g.Update("win", Host{
		Name: "dc1", AnsibleHost: "10.0.0.9", OS: "windows", AnsiblePassword: "s3cret",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := os.ReadFile(path)
	want := "dc1 ansible_host=10.0.0.9 ansible_port=5985 ansible_connection=winrm " +
		"ansible_winrm_scheme=http ansible_winrm_transport=basic " +
		"ansible_user=administrator ansible_password=s3cret\n"
	if !contains(string(got), want) {
		t.Errorf("content = %q, want to contain %q", got, want)
	}
}

func TestEmptyAllSectionStillPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	g := New(path)
	if err := g.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "[all]\n" {
		t.Errorf("content = %q, want [all]\\n", got)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func contains(s, substr string) bool {
	return indexOf(s, substr) >= 0
}
