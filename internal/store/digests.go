package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"sifter/internal/services"
)

const digestColumns = `id, user_id, period, status, episode_ids, script_json, audio_path,
    is_public, share_id, duration_seconds, error_message, created_at, updated_at`

// CreateDigest opens a new digest run for the user in curating state,
// recording which episodes feed it.
func (s *Store) CreateDigest(ctx context.Context, userID string, period DigestPeriod, episodeIDs []string) (*Digest, error) {
	if !period.Valid() {
		return nil, services.Wrap(services.ErrInvariant, "store", "create digest", fmt.Sprintf("unknown period %q", period), nil)
	}
	if episodeIDs == nil {
		episodeIDs = []string{}
	}
	encoded, err := json.Marshal(episodeIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal episode ids: %w", err)
	}
	id := uuid.NewString()
	stamp := now()
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO digests (id, user_id, period, status, episode_ids, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userID, period, DigestCurating, string(encoded), stamp, stamp,
	); err != nil {
		return nil, fmt.Errorf("insert digest: %w", err)
	}
	return s.GetDigest(ctx, id)
}

// GetDigest loads a digest by id.
func (s *Store) GetDigest(ctx context.Context, id string) (*Digest, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+digestColumns+` FROM digests WHERE id = ?`, id)
	return scanDigest(row)
}

// GetDigestByShareID loads a published digest by its share token.
func (s *Store) GetDigestByShareID(ctx context.Context, shareID string) (*Digest, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+digestColumns+` FROM digests WHERE share_id = ?`, strings.TrimSpace(shareID))
	return scanDigest(row)
}

// ListDigests returns the user's digests, newest first.
func (s *Store) ListDigests(ctx context.Context, userID string) ([]*Digest, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+digestColumns+` FROM digests WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	defer rows.Close()

	var digests []*Digest
	for rows.Next() {
		digest, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		digests = append(digests, digest)
	}
	return digests, rows.Err()
}

// TransitionDigest conditionally moves a digest between statuses, returning
// false when the digest is not in any of the expected source statuses.
func (s *Store) TransitionDigest(ctx context.Context, id string, from []DigestStatus, to DigestStatus) (bool, error) {
	if !ValidDigestStatus(to) {
		return false, services.Wrap(services.ErrInvariant, "store", "transition digest", fmt.Sprintf("unknown status %q", to), nil)
	}
	args := []any{to, now(), id}
	for _, status := range from {
		args = append(args, status)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE digests SET status = ?, updated_at = ?
         WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition digest: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition digest rows: %w", err)
	}
	return affected > 0, nil
}

// SetDigestScript stores the narrator script and advances the digest to audio
// generation.
func (s *Store) SetDigestScript(ctx context.Context, id string, script *NarratorScript) error {
	if script == nil {
		return services.Wrap(services.ErrInvariant, "store", "set digest script", "script is nil", nil)
	}
	payload, err := json.Marshal(script)
	if err != nil {
		return fmt.Errorf("marshal script: %w", err)
	}
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE digests SET script_json = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(payload), DigestGeneratingAudio, now(), id,
	); err != nil {
		return fmt.Errorf("set digest script: %w", err)
	}
	return nil
}

// ClearDigestScript drops a digest's stored narrator script. Re-curation can
// change the clip count or order, which invalidates the narration shape.
func (s *Store) ClearDigestScript(ctx context.Context, id string) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE digests SET script_json = NULL, updated_at = ? WHERE id = ?`, now(), id,
	); err != nil {
		return fmt.Errorf("clear digest script: %w", err)
	}
	return nil
}

// DigestScript decodes a digest's stored narrator script.
func (s *Store) DigestScript(ctx context.Context, id string) (*NarratorScript, error) {
	digest, err := s.GetDigest(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(digest.ScriptJSON) == "" {
		return nil, services.Wrap(services.ErrNotFound, "store", "digest script", "digest has no script", nil)
	}
	var script NarratorScript
	if err := json.Unmarshal([]byte(digest.ScriptJSON), &script); err != nil {
		return nil, services.Wrap(services.ErrParse, "store", "digest script", "stored script is not valid JSON", err)
	}
	return &script, nil
}

// PublishDigest records the final audio artifact and marks the digest ready.
// A share id is minted only for digests already flagged public.
func (s *Store) PublishDigest(ctx context.Context, id, audioPath string, durationSeconds float64) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE digests SET status = ?, audio_path = ?, duration_seconds = ?, error_message = NULL,
             share_id = CASE WHEN is_public = 1 AND share_id = '' THEN ? ELSE share_id END,
             updated_at = ?
         WHERE id = ?`,
		DigestReady, audioPath, durationSeconds, uuid.NewString(), now(), id,
	); err != nil {
		return fmt.Errorf("publish digest: %w", err)
	}
	return nil
}

// SetDigestPublic toggles sharing for a digest. Making it public mints the
// share id if none exists yet; making it private keeps the id so the digest
// resolves again under the same link if re-shared.
func (s *Store) SetDigestPublic(ctx context.Context, id string, public bool) (*Digest, error) {
	flag := 0
	if public {
		flag = 1
	}
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE digests SET is_public = ?,
             share_id = CASE WHEN ? = 1 AND share_id = '' THEN ? ELSE share_id END,
             updated_at = ?
         WHERE id = ?`,
		flag, flag, uuid.NewString(), now(), id,
	); err != nil {
		return nil, fmt.Errorf("set digest visibility: %w", err)
	}
	return s.GetDigest(ctx, id)
}

// FailDigest marks a digest failed with the given reason.
func (s *Store) FailDigest(ctx context.Context, id, reason string) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE digests SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		DigestFailed, nullableString(reason), now(), id,
	); err != nil {
		return fmt.Errorf("fail digest: %w", err)
	}
	return nil
}

// SetDigestClips records the ordered clip selection for a digest, replacing
// any prior selection.
func (s *Store) SetDigestClips(ctx context.Context, digestID string, clipIDs []string) error {
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin digest clip tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM digest_clips WHERE digest_id = ?`, digestID); err != nil {
		return fmt.Errorf("delete prior digest clips: %w", err)
	}
	for position, clipID := range clipIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO digest_clips (digest_id, clip_id, position) VALUES (?, ?, ?)`,
			digestID, clipID, position,
		); err != nil {
			return fmt.Errorf("insert digest clip %d: %w", position, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit digest clips: %w", err)
	}
	return nil
}

// ListDigestClips returns the digest's clips in playback order with episode
// and podcast context joined in.
func (s *Store) ListDigestClips(ctx context.Context, digestID string) ([]*Clip, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+clipColumns+`
         FROM digest_clips dc
         JOIN clips c ON c.id = dc.clip_id
         JOIN episodes e ON e.id = c.episode_id
         JOIN podcasts p ON p.id = e.podcast_id
         WHERE dc.digest_id = ?
         ORDER BY dc.position`, digestID)
	if err != nil {
		return nil, fmt.Errorf("list digest clips: %w", err)
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

// DigestStatusCounts tallies all digests by status, for the status command.
func (s *Store) DigestStatusCounts(ctx context.Context) (map[DigestStatus]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT status, COUNT(1) FROM digests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("digest status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[DigestStatus]int)
	for rows.Next() {
		var (
			status DigestStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan digest count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanDigest(row rowScanner) (*Digest, error) {
	var (
		digest                   Digest
		createdAt, updatedAt     string
		episodeIDs               string
		scriptJSON, errorMessage sql.NullString
	)
	if err := row.Scan(
		&digest.ID, &digest.UserID, &digest.Period, &digest.Status, &episodeIDs, &scriptJSON,
		&digest.AudioPath, &digest.IsPublic, &digest.ShareID, &digest.DurationSeconds, &errorMessage,
		&createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.Wrap(services.ErrNotFound, "store", "get digest", "digest not found", err)
		}
		return nil, fmt.Errorf("scan digest: %w", err)
	}
	digest.CreatedAt = parseTimestamp(createdAt)
	digest.UpdatedAt = parseTimestamp(updatedAt)
	if episodeIDs != "" {
		if err := json.Unmarshal([]byte(episodeIDs), &digest.EpisodeIDs); err != nil {
			return nil, services.Wrap(services.ErrParse, "store", "get digest", "stored episode ids are not valid JSON", err)
		}
	}
	digest.ScriptJSON = scriptJSON.String
	digest.ErrorMessage = errorMessage.String
	return &digest, nil
}
