package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"sifter/internal/services"
)

const clipColumns = `c.id, c.episode_id, c.start_time, c.end_time,
    c.transcript, c.summary, c.reasoning, c.score, c.created_at,
    e.title, p.title, e.audio_url`

// ReplaceClips swaps an episode's clip set inside a transaction. Re-running
// analysis always produces a full replacement, never an accumulation.
func (s *Store) ReplaceClips(ctx context.Context, episodeID string, clips []*Clip) ([]*Clip, error) {
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin clip tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM clips WHERE episode_id = ?`, episodeID); err != nil {
		return nil, fmt.Errorf("delete prior clips: %w", err)
	}

	stamp := now()
	inserted := make([]*Clip, 0, len(clips))
	for _, clip := range clips {
		if clip.EndTime <= clip.StartTime {
			return nil, services.Wrap(services.ErrInvariant, "store", "replace clips",
				fmt.Sprintf("clip end %.2f must exceed start %.2f", clip.EndTime, clip.StartTime), nil)
		}
		stored := *clip
		stored.ID = uuid.NewString()
		stored.EpisodeID = episodeID
		stored.CreatedAt = parseTimestamp(stamp)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO clips (id, episode_id, start_time, end_time, transcript, summary, reasoning, score, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			stored.ID, episodeID, stored.StartTime, stored.EndTime,
			stored.Transcript, stored.Summary, stored.Reasoning, stored.Score, stamp,
		); err != nil {
			return nil, fmt.Errorf("insert clip: %w", err)
		}
		inserted = append(inserted, &stored)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clips: %w", err)
	}
	return inserted, nil
}

// GetClip loads a clip with its episode and podcast context.
func (s *Store) GetClip(ctx context.Context, id string) (*Clip, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+clipColumns+`
         FROM clips c
         JOIN episodes e ON e.id = c.episode_id
         JOIN podcasts p ON p.id = e.podcast_id
         WHERE c.id = ?`, id)
	return scanClip(row)
}

// ListClipsByIDs loads the given clips, preserving the requested order.
// Missing ids are an error.
func (s *Store) ListClipsByIDs(ctx context.Context, ids []string) ([]*Clip, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+clipColumns+`
         FROM clips c
         JOIN episodes e ON e.id = c.episode_id
         JOIN podcasts p ON p.id = e.podcast_id
         WHERE c.id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list clips by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Clip, len(ids))
	for rows.Next() {
		clip, err := scanClip(rows)
		if err != nil {
			return nil, err
		}
		byID[clip.ID] = clip
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]*Clip, 0, len(ids))
	for _, id := range ids {
		clip, ok := byID[id]
		if !ok {
			return nil, services.Wrap(services.ErrNotFound, "store", "list clips", fmt.Sprintf("clip %s not found", id), nil)
		}
		ordered = append(ordered, clip)
	}
	return ordered, nil
}

// ListClipCandidates returns clips from the given analyzed episodes, highest
// score first.
func (s *Store) ListClipCandidates(ctx context.Context, episodeIDs []string) ([]*Clip, error) {
	if len(episodeIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(episodeIDs)+1)
	for _, id := range episodeIDs {
		args = append(args, id)
	}
	args = append(args, EpisodeAnalyzed)
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+clipColumns+`
         FROM clips c
         JOIN episodes e ON e.id = c.episode_id
         JOIN podcasts p ON p.id = e.podcast_id
         WHERE c.episode_id IN (`+placeholders(len(episodeIDs))+`) AND e.status = ?
         ORDER BY c.score DESC, c.created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list clip candidates: %w", err)
	}
	defer rows.Close()

	var clips []*Clip
	for rows.Next() {
		clip, err := scanClip(rows)
		if err != nil {
			return nil, err
		}
		clips = append(clips, clip)
	}
	return clips, rows.Err()
}

func scanClip(row rowScanner) (*Clip, error) {
	var (
		clip      Clip
		createdAt string
	)
	if err := row.Scan(
		&clip.ID, &clip.EpisodeID, &clip.StartTime, &clip.EndTime,
		&clip.Transcript, &clip.Summary, &clip.Reasoning, &clip.Score, &createdAt,
		&clip.EpisodeTitle, &clip.PodcastTitle, &clip.AudioURL,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.Wrap(services.ErrNotFound, "store", "get clip", "clip not found", err)
		}
		return nil, fmt.Errorf("scan clip: %w", err)
	}
	clip.CreatedAt = parseTimestamp(createdAt)
	return &clip, nil
}
