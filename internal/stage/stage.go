// Package stage defines the contract between the workflow manager and the
// pipeline stages that process queued jobs.
package stage

import "context"

// Context is the job-scoped surface a stage works against. The durable queue
// provides the implementation; tests substitute lightweight fakes.
type Context interface {
	// JobID returns the queue job identifier, which doubles as the
	// deduplication key.
	JobID() string
	// Data returns the job payload as enqueued.
	Data() []byte
	// Log appends a line to the job's persisted log.
	Log(message string)
	// UpdateProgress records completion percent in [0, 100].
	UpdateProgress(percent int)
}

// Handler describes the contract the workflow manager needs from each stage.
type Handler interface {
	Execute(ctx context.Context, job Context) error
	HealthCheck(ctx context.Context) Health
}

// Health summarizes the readiness of a workflow stage.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
