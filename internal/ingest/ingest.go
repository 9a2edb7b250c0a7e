// Package ingest refreshes podcast feeds and records new episodes. Feed
// parsing goes through gofeed; episodes are keyed by (podcast, guid) so a
// refresh never duplicates or resets episodes already in the pipeline.
package ingest

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"sifter/internal/logging"
	"sifter/internal/services"
	"sifter/internal/store"
)

const defaultRefreshInterval = 30 * time.Minute

// Service fetches RSS/Atom feeds and upserts podcasts and episodes.
type Service struct {
	store           *store.Store
	parser          *gofeed.Parser
	logger          *slog.Logger
	refreshInterval time.Duration
}

// Option adjusts Service construction.
type Option func(*Service)

// WithHTTPClient swaps the feed fetch client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.parser.Client = client }
}

// WithRefreshInterval sets how long a podcast stays fresh after a check.
func WithRefreshInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.refreshInterval = interval
		}
	}
}

// NewService constructs a feed ingestion service.
func NewService(st *store.Store, userAgent string, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	parser := gofeed.NewParser()
	if strings.TrimSpace(userAgent) != "" {
		parser.UserAgent = userAgent
	}
	svc := &Service{
		store:           st,
		parser:          parser,
		logger:          logging.NewComponentLogger(logger, "ingest"),
		refreshInterval: defaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Summary reports the outcome of a refresh pass.
type Summary struct {
	Podcasts    int
	NewEpisodes int
	Failed      int
}

// AddPodcast fetches a feed, registers the podcast, and records its current
// episodes. Calling it again for the same feed refreshes the metadata.
func (s *Service) AddPodcast(ctx context.Context, feedURL string) (*store.Podcast, error) {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return nil, services.Wrap(services.ErrInvariant, "ingest", "add podcast", "feed url is required", nil)
	}

	feed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, services.Wrap(services.ErrParse, "ingest", "add podcast", "fetch feed "+feedURL, err)
	}

	podcast := &store.Podcast{
		Title:       strings.TrimSpace(feed.Title),
		FeedURL:     feedURL,
		Description: strings.TrimSpace(feed.Description),
	}
	if podcast.Title == "" {
		podcast.Title = feedURL
	}
	if feed.ITunesExt != nil {
		podcast.Author = strings.TrimSpace(feed.ITunesExt.Author)
	}
	if podcast.Author == "" && len(feed.Authors) > 0 && feed.Authors[0] != nil {
		podcast.Author = strings.TrimSpace(feed.Authors[0].Name)
	}
	if feed.Image != nil {
		podcast.ImageURL = feed.Image.URL
	}

	podcast, err = s.store.UpsertPodcast(ctx, podcast)
	if err != nil {
		return nil, err
	}

	added, err := s.recordEpisodes(ctx, podcast, feed)
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchPodcast(ctx, podcast.ID); err != nil {
		return nil, err
	}
	podcast, err = s.store.GetPodcast(ctx, podcast.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("podcast added",
		logging.String("podcast_id", podcast.ID),
		logging.String("title", podcast.Title),
		logging.Int("new_episodes", added))
	return podcast, nil
}

// Refresh re-fetches feeds whose last check is older than the refresh
// interval. Force refreshes every podcast regardless of age. Per-feed
// failures are logged and counted without stopping the pass.
func (s *Service) Refresh(ctx context.Context, force bool) (Summary, error) {
	var (
		podcasts []*store.Podcast
		err      error
	)
	if force {
		podcasts, err = s.store.ListPodcasts(ctx)
	} else {
		podcasts, err = s.store.ListStalePodcasts(ctx, time.Now().Add(-s.refreshInterval))
	}
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Podcasts: len(podcasts)}
	for _, podcast := range podcasts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		added, err := s.refreshPodcast(ctx, podcast)
		if err != nil {
			summary.Failed++
			s.logger.Warn("feed refresh failed",
				logging.String("podcast_id", podcast.ID),
				logging.String("feed_url", podcast.FeedURL),
				logging.Error(err))
			continue
		}
		summary.NewEpisodes += added
	}
	return summary, nil
}

func (s *Service) refreshPodcast(ctx context.Context, podcast *store.Podcast) (int, error) {
	feed, err := s.parser.ParseURLWithContext(podcast.FeedURL, ctx)
	if err != nil {
		return 0, services.Wrap(services.ErrParse, "ingest", "refresh", "fetch feed "+podcast.FeedURL, err)
	}
	added, err := s.recordEpisodes(ctx, podcast, feed)
	if err != nil {
		return added, err
	}
	if err := s.store.TouchPodcast(ctx, podcast.ID); err != nil {
		return added, err
	}
	if added > 0 {
		s.logger.Info("feed refreshed",
			logging.String("podcast_id", podcast.ID),
			logging.String("title", podcast.Title),
			logging.Int("new_episodes", added))
	}
	return added, nil
}

func (s *Service) recordEpisodes(ctx context.Context, podcast *store.Podcast, feed *gofeed.Feed) (int, error) {
	added := 0
	for _, item := range feed.Items {
		episode := episodeFromItem(podcast.ID, item)
		if episode == nil {
			continue
		}
		existing, err := s.store.GetEpisodeByGUID(ctx, podcast.ID, episode.GUID)
		known := err == nil && existing != nil
		if _, err := s.store.UpsertEpisode(ctx, episode); err != nil {
			return added, err
		}
		if !known {
			added++
		}
	}
	return added, nil
}

// episodeFromItem maps a feed item to an episode, or nil when the item has
// no audio enclosure.
func episodeFromItem(podcastID string, item *gofeed.Item) *store.Episode {
	if item == nil {
		return nil
	}
	audioURL := enclosureURL(item)
	if audioURL == "" {
		return nil
	}
	guid := strings.TrimSpace(item.GUID)
	if guid == "" {
		guid = audioURL
	}
	episode := &store.Episode{
		PodcastID:   podcastID,
		GUID:        guid,
		Title:       strings.TrimSpace(item.Title),
		Description: strings.TrimSpace(item.Description),
		AudioURL:    audioURL,
	}
	if item.PublishedParsed != nil {
		episode.PublishedAt = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		episode.PublishedAt = *item.UpdatedParsed
	}
	if item.ITunesExt != nil {
		episode.DurationSeconds = parseITunesDuration(item.ITunesExt.Duration)
	}
	return episode
}

func enclosureURL(item *gofeed.Item) string {
	for _, enclosure := range item.Enclosures {
		if enclosure == nil || enclosure.URL == "" {
			continue
		}
		if enclosure.Type == "" || strings.HasPrefix(enclosure.Type, "audio/") {
			return enclosure.URL
		}
	}
	return ""
}

// parseITunesDuration accepts plain seconds, MM:SS, or HH:MM:SS. Anything
// unparseable maps to zero.
func parseITunesDuration(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0
	}
	total := 0.0
	for _, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || value < 0 {
			return 0
		}
		total = total*60 + value
	}
	return total
}
