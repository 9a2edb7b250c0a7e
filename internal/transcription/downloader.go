package transcription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sifter/internal/services"
)

const (
	defaultUserAgent       = "Sifter/1.0 (podcast digest service)"
	defaultDownloadTimeout = 30 * time.Minute
	defaultAttempts        = 3
)

// Downloader fetches episode audio over HTTP with bounded retries. CDNs
// hosting podcast enclosures frequently reject requests without a user agent,
// so every request carries one.
type Downloader struct {
	client    *http.Client
	userAgent string
	attempts  int
	sleep     func(context.Context, time.Duration) error
}

// DownloaderConfig carries the tunable download knobs.
type DownloaderConfig struct {
	UserAgent      string
	Attempts       int
	TimeoutSeconds int
}

// NewDownloader builds a downloader with sane defaults for any zero fields.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	timeout := defaultDownloadTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &Downloader{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		attempts:  attempts,
		sleep:     sleepContext,
	}
}

// Fetch streams the resource at url into destPath, retrying transient
// failures with doubling delays (1s, 2s, 4s, ...).
func (d *Downloader) Fetch(ctx context.Context, url, destPath string) error {
	if strings.TrimSpace(url) == "" {
		return services.Wrap(services.ErrInvariant, "download", "fetch", "empty audio url", nil)
	}
	var lastErr error
	delay := time.Second
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}
		lastErr = d.fetchOnce(ctx, url, destPath)
		if lastErr == nil {
			return nil
		}
		if !services.Retryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (d *Downloader) fetchOnce(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return services.Wrap(services.ErrInvariant, "download", "fetch", "build request", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransport, "download", "fetch", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		marker := services.ErrHTTPStatus
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			marker = services.ErrNotFound
		}
		return services.Wrap(marker, "download", "fetch",
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("ensure download dir: %w", err)
	}
	file, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(destPath)
		return services.Wrap(services.ErrTransport, "download", "fetch", "stream body", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("close download file: %w", err)
	}
	return nil
}

// audioExtension guesses the file extension from an enclosure URL, defaulting
// to mp3 when the URL carries none.
func audioExtension(url string) string {
	trimmed := url
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(trimmed), "."))
	switch ext {
	case "mp3", "m4a", "aac", "ogg", "opus", "wav", "flac":
		return ext
	default:
		return "mp3"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
