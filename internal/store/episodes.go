package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sifter/internal/services"
)

const episodeColumns = `e.id, e.podcast_id, e.guid, e.title, e.description, e.audio_url,
    e.published_at, e.duration_seconds, e.status, e.transcript_json, e.error_message,
    e.created_at, e.updated_at, p.title`

// UpsertEpisode records a feed entry, keyed by (podcast, guid). Existing
// episodes keep their pipeline state; only descriptive fields refresh.
func (s *Store) UpsertEpisode(ctx context.Context, episode *Episode) (*Episode, error) {
	if episode == nil {
		return nil, services.Wrap(services.ErrInvariant, "store", "upsert episode", "episode is nil", nil)
	}
	if strings.TrimSpace(episode.PodcastID) == "" || strings.TrimSpace(episode.GUID) == "" {
		return nil, services.Wrap(services.ErrInvariant, "store", "upsert episode", "podcast id and guid are required", nil)
	}
	if strings.TrimSpace(episode.AudioURL) == "" {
		return nil, services.Wrap(services.ErrInvariant, "store", "upsert episode", "audio url is required", nil)
	}

	stamp := now()
	published := episode.PublishedAt
	if published.IsZero() {
		published = time.Now()
	}
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO episodes (
            id, podcast_id, guid, title, description, audio_url, published_at,
            duration_seconds, status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(podcast_id, guid) DO UPDATE SET
            title = excluded.title,
            description = excluded.description,
            audio_url = excluded.audio_url,
            updated_at = excluded.updated_at`,
		uuid.NewString(), episode.PodcastID, episode.GUID, episode.Title, episode.Description,
		episode.AudioURL, timestamp(published), episode.DurationSeconds, EpisodePending,
		stamp, stamp,
	); err != nil {
		return nil, fmt.Errorf("upsert episode: %w", err)
	}
	return s.GetEpisodeByGUID(ctx, episode.PodcastID, episode.GUID)
}

// GetEpisode loads an episode with its podcast title.
func (s *Store) GetEpisode(ctx context.Context, id string) (*Episode, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+episodeColumns+`
         FROM episodes e JOIN podcasts p ON p.id = e.podcast_id
         WHERE e.id = ?`, id)
	return scanEpisode(row)
}

// GetEpisodeByGUID loads an episode by its feed identity.
func (s *Store) GetEpisodeByGUID(ctx context.Context, podcastID, guid string) (*Episode, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+episodeColumns+`
         FROM episodes e JOIN podcasts p ON p.id = e.podcast_id
         WHERE e.podcast_id = ? AND e.guid = ?`, podcastID, guid)
	return scanEpisode(row)
}

// ListEpisodesByStatus returns episodes in any of the given statuses, oldest
// published first.
func (s *Store) ListEpisodesByStatus(ctx context.Context, statuses ...EpisodeStatus) ([]*Episode, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+episodeColumns+`
         FROM episodes e JOIN podcasts p ON p.id = e.podcast_id
         WHERE e.status IN (`+placeholders(len(statuses))+`)
         ORDER BY e.published_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list episodes by status: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// ListEpisodesForUserSince returns episodes published after the cutoff from
// podcasts the user subscribes to, oldest first.
func (s *Store) ListEpisodesForUserSince(ctx context.Context, userID string, since time.Time) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+episodeColumns+`
         FROM episodes e
         JOIN podcasts p ON p.id = e.podcast_id
         JOIN subscriptions s ON s.podcast_id = e.podcast_id
         WHERE s.user_id = ? AND e.published_at >= ?
         ORDER BY e.published_at`, userID, timestamp(since))
	if err != nil {
		return nil, fmt.Errorf("list episodes for user: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// TransitionEpisode conditionally moves an episode between statuses. It
// returns false without error when the episode is not in any of the expected
// source statuses, which lets concurrent workers race for a claim safely.
func (s *Store) TransitionEpisode(ctx context.Context, id string, from []EpisodeStatus, to EpisodeStatus) (bool, error) {
	if !ValidEpisodeStatus(to) {
		return false, services.Wrap(services.ErrInvariant, "store", "transition episode", fmt.Sprintf("unknown status %q", to), nil)
	}
	args := []any{to, now(), id}
	for _, status := range from {
		args = append(args, status)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes SET status = ?, updated_at = ?
         WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition episode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition episode rows: %w", err)
	}
	return affected > 0, nil
}

// SetEpisodeTranscript stores the merged transcript document and marks the
// episode transcribed.
func (s *Store) SetEpisodeTranscript(ctx context.Context, id string, transcript *Transcript) error {
	if transcript == nil {
		return services.Wrap(services.ErrInvariant, "store", "set transcript", "transcript is nil", nil)
	}
	payload, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE episodes SET status = ?, transcript_json = ?, duration_seconds = ?, error_message = NULL, updated_at = ?
         WHERE id = ?`,
		EpisodeTranscribed, string(payload), transcript.Duration, now(), id,
	); err != nil {
		return fmt.Errorf("set transcript: %w", err)
	}
	return nil
}

// EpisodeTranscript decodes an episode's stored transcript.
func (s *Store) EpisodeTranscript(ctx context.Context, id string) (*Transcript, error) {
	episode, err := s.GetEpisode(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(episode.TranscriptJSON) == "" {
		return nil, services.Wrap(services.ErrNotFound, "store", "episode transcript", "episode has no transcript", nil)
	}
	var transcript Transcript
	if err := json.Unmarshal([]byte(episode.TranscriptJSON), &transcript); err != nil {
		return nil, services.Wrap(services.ErrParse, "store", "episode transcript", "stored transcript is not valid JSON", err)
	}
	return &transcript, nil
}

// FailEpisode marks an episode failed with the given reason.
func (s *Store) FailEpisode(ctx context.Context, id, reason string) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE episodes SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		EpisodeFailed, nullableString(reason), now(), id,
	); err != nil {
		return fmt.Errorf("fail episode: %w", err)
	}
	return nil
}

// ResetFailedEpisodes returns failed episodes published after the cutoff to
// pending so a digest run can retry them.
func (s *Store) ResetFailedEpisodes(ctx context.Context, since time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes SET status = ?, error_message = NULL, updated_at = ?
         WHERE status = ? AND published_at >= ?`,
		EpisodePending, now(), EpisodeFailed, timestamp(since))
	if err != nil {
		return 0, fmt.Errorf("reset failed episodes: %w", err)
	}
	return res.RowsAffected()
}

// EpisodeStatusCounts tallies the episodes in the user's window by status.
func (s *Store) EpisodeStatusCounts(ctx context.Context, userID string, since time.Time) (map[EpisodeStatus]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT e.status, COUNT(1)
         FROM episodes e
         JOIN subscriptions s ON s.podcast_id = e.podcast_id
         WHERE s.user_id = ? AND e.published_at >= ?
         GROUP BY e.status`, userID, timestamp(since))
	if err != nil {
		return nil, fmt.Errorf("episode status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[EpisodeStatus]int)
	for rows.Next() {
		var (
			status EpisodeStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func collectEpisodes(rows *sql.Rows) ([]*Episode, error) {
	var episodes []*Episode
	for rows.Next() {
		episode, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, episode)
	}
	return episodes, rows.Err()
}

func scanEpisode(row rowScanner) (*Episode, error) {
	var (
		episode                           Episode
		publishedAt, createdAt, updatedAt string
		transcriptJSON, errorMessage      sql.NullString
	)
	if err := row.Scan(
		&episode.ID, &episode.PodcastID, &episode.GUID, &episode.Title, &episode.Description,
		&episode.AudioURL, &publishedAt, &episode.DurationSeconds, &episode.Status,
		&transcriptJSON, &errorMessage, &createdAt, &updatedAt, &episode.PodcastTitle,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.Wrap(services.ErrNotFound, "store", "get episode", "episode not found", err)
		}
		return nil, fmt.Errorf("scan episode: %w", err)
	}
	episode.PublishedAt = parseTimestamp(publishedAt)
	episode.CreatedAt = parseTimestamp(createdAt)
	episode.UpdatedAt = parseTimestamp(updatedAt)
	episode.TranscriptJSON = transcriptJSON.String
	episode.ErrorMessage = errorMessage.String
	return &episode, nil
}
