// Package blobcache manages the transient working directories used for
// episode downloads, transcription chunks, and digest assembly. Nothing under
// the temp root survives a process restart by contract; every file is
// reproducible from upstream data.
package blobcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Cache hands out per-entity working paths rooted at a configurable temp dir.
type Cache struct {
	root string
}

// New constructs a cache rooted at root. The directory is created lazily by
// the path helpers.
func New(root string) *Cache {
	return &Cache{root: strings.TrimSpace(root)}
}

// Root returns the temp root backing this cache.
func (c *Cache) Root() string {
	return c.root
}

// EpisodeTemp returns the download path for an episode with the given
// extension, creating the parent directory.
func (c *Cache) EpisodeTemp(episodeID, ext string) (string, error) {
	dir := filepath.Join(c.root, "episodes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure episode temp dir: %w", err)
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "mp3"
	}
	return filepath.Join(dir, episodeID+"."+ext), nil
}

// ChunkDir returns the directory holding transcription chunks for an episode,
// creating it when missing.
func (c *Cache) ChunkDir(episodeID string) (string, error) {
	dir := filepath.Join(c.root, "episodes", episodeID+"_chunks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure chunk dir: %w", err)
	}
	return dir, nil
}

// DigestWorkDir returns the assembly working directory for a digest, creating
// it when missing.
func (c *Cache) DigestWorkDir(digestID string) (string, error) {
	dir := filepath.Join(c.root, "episodes", digestID+"_chunks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure digest work dir: %w", err)
	}
	return dir, nil
}

// Cleanup removes a file or directory tree. Absent paths are not an error.
func (c *Cache) Cleanup(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cleanup %s: %w", path, err)
	}
	return nil
}
