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

// CreateUser registers a digest recipient. Emails are unique.
func (s *Store) CreateUser(ctx context.Context, email, name string, interests []string, frequency DigestPeriod) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, services.Wrap(services.ErrInvariant, "store", "create user", "email is required", nil)
	}
	if frequency == "" {
		frequency = PeriodDaily
	}
	if !frequency.Valid() {
		return nil, services.Wrap(services.ErrInvariant, "store", "create user", fmt.Sprintf("unknown frequency %q", frequency), nil)
	}
	interestsJSON, err := json.Marshal(normalizeInterests(interests))
	if err != nil {
		return nil, fmt.Errorf("marshal interests: %w", err)
	}

	id := uuid.NewString()
	created := now()
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO users (id, email, name, interests, frequency, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, email, strings.TrimSpace(name), string(interestsJSON), frequency, created,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, services.Wrap(services.ErrInvariant, "store", "create user", fmt.Sprintf("email %s already registered", email), err)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// SetUserInterests replaces the user's interest tags.
func (s *Store) SetUserInterests(ctx context.Context, userID string, interests []string) error {
	interestsJSON, err := json.Marshal(normalizeInterests(interests))
	if err != nil {
		return fmt.Errorf("marshal interests: %w", err)
	}
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE users SET interests = ? WHERE id = ?`, string(interestsJSON), userID); err != nil {
		return fmt.Errorf("set interests: %w", err)
	}
	return nil
}

// ListUsersByFrequency returns users whose digest schedule matches the period.
func (s *Store) ListUsersByFrequency(ctx context.Context, frequency DigestPeriod) ([]*User, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+userColumns+` FROM users WHERE frequency = ? ORDER BY created_at`, frequency)
	if err != nil {
		return nil, fmt.Errorf("list users by frequency: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func normalizeInterests(interests []string) []string {
	seen := make(map[string]struct{}, len(interests))
	cleaned := make([]string, 0, len(interests))
	for _, interest := range interests {
		interest = strings.TrimSpace(interest)
		if interest == "" {
			continue
		}
		key := strings.ToLower(interest)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, interest)
	}
	return cleaned
}

const userColumns = `id, email, name, interests, frequency, digest_minutes, created_at`

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail loads a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

// ListUsers returns every registered user ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectUsers(rows *sql.Rows) ([]*User, error) {
	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func scanUser(row rowScanner) (*User, error) {
	var (
		user          User
		interestsJSON string
		createdAt     string
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &interestsJSON,
		&user.Frequency, &user.DigestMinutes, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.Wrap(services.ErrNotFound, "store", "get user", "user not found", err)
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if err := json.Unmarshal([]byte(interestsJSON), &user.Interests); err != nil {
		return nil, services.Wrap(services.ErrParse, "store", "get user", "stored interests are not valid JSON", err)
	}
	user.CreatedAt = parseTimestamp(createdAt)
	return &user, nil
}

const podcastColumns = `id, title, feed_url, author, description, image_url, last_checked_at, created_at, updated_at`

// UpsertPodcast registers a feed or refreshes its metadata, keyed by feed URL.
func (s *Store) UpsertPodcast(ctx context.Context, podcast *Podcast) (*Podcast, error) {
	if podcast == nil {
		return nil, services.Wrap(services.ErrInvariant, "store", "upsert podcast", "podcast is nil", nil)
	}
	feedURL := strings.TrimSpace(podcast.FeedURL)
	if feedURL == "" {
		return nil, services.Wrap(services.ErrInvariant, "store", "upsert podcast", "feed url is required", nil)
	}

	stamp := now()
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO podcasts (id, title, feed_url, author, description, image_url, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(feed_url) DO UPDATE SET
             title = excluded.title,
             author = excluded.author,
             description = excluded.description,
             image_url = excluded.image_url,
             updated_at = excluded.updated_at`,
		uuid.NewString(), strings.TrimSpace(podcast.Title), feedURL, podcast.Author,
		podcast.Description, podcast.ImageURL, stamp, stamp,
	); err != nil {
		return nil, fmt.Errorf("upsert podcast: %w", err)
	}
	return s.GetPodcastByFeedURL(ctx, feedURL)
}

// GetPodcast loads a podcast by id.
func (s *Store) GetPodcast(ctx context.Context, id string) (*Podcast, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+podcastColumns+` FROM podcasts WHERE id = ?`, id)
	return scanPodcast(row)
}

// GetPodcastByFeedURL loads a podcast by its feed URL.
func (s *Store) GetPodcastByFeedURL(ctx context.Context, feedURL string) (*Podcast, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+podcastColumns+` FROM podcasts WHERE feed_url = ?`, strings.TrimSpace(feedURL))
	return scanPodcast(row)
}

// ListPodcasts returns every registered feed ordered by title.
func (s *Store) ListPodcasts(ctx context.Context) ([]*Podcast, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+podcastColumns+` FROM podcasts ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("list podcasts: %w", err)
	}
	defer rows.Close()
	return collectPodcasts(rows)
}

// ListStalePodcasts returns feeds not checked since the cutoff, least
// recently checked first. Never-checked feeds sort first.
func (s *Store) ListStalePodcasts(ctx context.Context, cutoff time.Time) ([]*Podcast, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+podcastColumns+` FROM podcasts
         WHERE last_checked_at IS NULL OR last_checked_at < ?
         ORDER BY last_checked_at IS NOT NULL, last_checked_at`, timestamp(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale podcasts: %w", err)
	}
	defer rows.Close()
	return collectPodcasts(rows)
}

// TouchPodcast records a successful feed check.
func (s *Store) TouchPodcast(ctx context.Context, id string) error {
	stampNow := now()
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE podcasts SET last_checked_at = ?, updated_at = ? WHERE id = ?`,
		stampNow, stampNow, id); err != nil {
		return fmt.Errorf("touch podcast: %w", err)
	}
	return nil
}

func collectPodcasts(rows *sql.Rows) ([]*Podcast, error) {
	var podcasts []*Podcast
	for rows.Next() {
		podcast, err := scanPodcast(rows)
		if err != nil {
			return nil, err
		}
		podcasts = append(podcasts, podcast)
	}
	return podcasts, rows.Err()
}

func scanPodcast(row rowScanner) (*Podcast, error) {
	var (
		podcast              Podcast
		lastChecked          sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&podcast.ID, &podcast.Title, &podcast.FeedURL, &podcast.Author,
		&podcast.Description, &podcast.ImageURL, &lastChecked, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.Wrap(services.ErrNotFound, "store", "get podcast", "podcast not found", err)
		}
		return nil, fmt.Errorf("scan podcast: %w", err)
	}
	if lastChecked.Valid {
		podcast.LastCheckedAt = parseTimestamp(lastChecked.String)
	}
	podcast.CreatedAt = parseTimestamp(createdAt)
	podcast.UpdatedAt = parseTimestamp(updatedAt)
	return &podcast, nil
}

// Subscribe links a user to a podcast. Subscribing twice is a no-op.
func (s *Store) Subscribe(ctx context.Context, userID, podcastID string) error {
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO subscriptions (user_id, podcast_id, created_at) VALUES (?, ?, ?)
         ON CONFLICT(user_id, podcast_id) DO NOTHING`,
		userID, podcastID, now(),
	); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes a user's podcast subscription.
func (s *Store) Unsubscribe(ctx context.Context, userID, podcastID string) error {
	if err := s.execWithoutResultRetry(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND podcast_id = ?`,
		userID, podcastID,
	); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// ListSubscribers returns user ids subscribed to the podcast.
func (s *Store) ListSubscribers(ctx context.Context, podcastID string) ([]string, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT user_id FROM subscriptions WHERE podcast_id = ? ORDER BY created_at`, podcastID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSubscriptions returns the podcasts a user follows.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*Podcast, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT p.id, p.title, p.feed_url, p.author, p.description, p.image_url,
                p.last_checked_at, p.created_at, p.updated_at
         FROM podcasts p
         JOIN subscriptions s ON s.podcast_id = p.id
         WHERE s.user_id = ?
         ORDER BY p.title`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return collectPodcasts(rows)
}
