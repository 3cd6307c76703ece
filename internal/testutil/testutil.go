// Package testutil provides test helpers and an in-memory hypervisor
// backend for macosvm tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// CreateTestDisk creates a sparse file of sizeBytes at path.
func CreateTestDisk(t *testing.T, path string, sizeBytes int64) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}

// CreateRestoreImage writes a placeholder restore image into dir and
// returns its path. The fake driver does not parse it.
func CreateRestoreImage(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "UniversalMac_Restore.ipsw")
	if err := os.WriteFile(path, []byte("ipsw"), 0644); err != nil {
		t.Fatalf("failed to write restore image: %v", err)
	}
	return path
}

// FileExists reports whether path exists.
func FileExists(t *testing.T, path string) bool {
	t.Helper()

	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return false
}
