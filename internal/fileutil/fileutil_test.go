package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCopyFileCreatesParentDir(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src.mp3")
	if err := os.WriteFile(src, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	dst := filepath.Join(base, "nested", "dir", "dst.mp3")
	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestCopyFileVerifiedRoundTrip(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "digest.mp3")
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	dst := filepath.Join(base, "out", "digest.mp3")
	if err := CopyFileVerified(src, dst); err != nil {
		t.Fatalf("CopyFileVerified: %v", err)
	}

	size, err := FileSize(dst)
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("expected %d bytes, got %d", len(payload), size)
	}
}

func TestFileSizeRejectsDirectory(t *testing.T) {
	if _, err := FileSize(t.TempDir()); err == nil {
		t.Fatal("expected error for directory")
	}
}
