package queue

// Queue names. Each name gets its own worker lane in the workflow manager.
const (
	QueueTranscription = "transcription"
	QueueAnalysis      = "analysis"
	QueueCuration      = "curation"
	QueueDigest        = "digest"
	QueueOrchestrator  = "orchestrator"
)

// Names lists every queue in dispatch order.
var Names = []string{
	QueueTranscription,
	QueueAnalysis,
	QueueCuration,
	QueueDigest,
	QueueOrchestrator,
}

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}

// ValidStatus reports whether the value is a known job status.
func ValidStatus(status Status) bool {
	for _, known := range allStatuses {
		if status == known {
			return true
		}
	}
	return false
}
