package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job is a claimed unit of work. It satisfies the stage context contract:
// stages read the payload and write progress and log lines through it.
type Job struct {
	store *Store

	id          string
	queue       string
	name        string
	payload     string
	attempts    int
	maxAttempts int
	backoffMS   int64
	progress    int
	log         string
	createdAt   time.Time
}

// JobID returns the job's deduplication id.
func (j *Job) JobID() string { return j.id }

// Queue returns the queue the job was claimed from.
func (j *Job) Queue() string { return j.queue }

// Name returns the human-readable job name.
func (j *Job) Name() string { return j.name }

// Attempt returns the current attempt number, starting at 1.
func (j *Job) Attempt() int { return j.attempts }

// Data returns the payload as enqueued.
func (j *Job) Data() []byte { return []byte(j.payload) }

// Decode unmarshals the payload into out.
func (j *Job) Decode(out any) error {
	if err := json.Unmarshal([]byte(j.payload), out); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.name, err)
	}
	return nil
}

// Log appends a timestamped line to the job's persisted log. Write failures
// are swallowed: losing a log line must never fail a stage.
func (j *Job) Log(message string) {
	line := time.Now().UTC().Format(time.RFC3339) + " " + message + "\n"
	j.log += line
	_, _ = j.store.exec(context.Background(),
		`UPDATE jobs SET log = log || ?, updated_at = ? WHERE id = ?`,
		line, stamp(time.Now()), j.id)
}

// UpdateProgress records completion percent, clamped to [0, 100].
func (j *Job) UpdateProgress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	j.progress = percent
	_, _ = j.store.exec(context.Background(),
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		percent, stamp(time.Now()), j.id)
}
