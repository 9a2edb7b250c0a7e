package store

import "time"

// EpisodeStatus tracks an episode through the transcription and analysis
// pipeline.
type EpisodeStatus string

const (
	EpisodePending      EpisodeStatus = "pending"
	EpisodeDownloading  EpisodeStatus = "downloading"
	EpisodeTranscribing EpisodeStatus = "transcribing"
	EpisodeTranscribed  EpisodeStatus = "transcribed"
	EpisodeAnalyzing    EpisodeStatus = "analyzing"
	EpisodeAnalyzed     EpisodeStatus = "analyzed"
	EpisodeFailed       EpisodeStatus = "failed"
)

var allEpisodeStatuses = []EpisodeStatus{
	EpisodePending,
	EpisodeDownloading,
	EpisodeTranscribing,
	EpisodeTranscribed,
	EpisodeAnalyzing,
	EpisodeAnalyzed,
	EpisodeFailed,
}

// ValidEpisodeStatus reports whether the value is a known episode status.
func ValidEpisodeStatus(status EpisodeStatus) bool {
	for _, known := range allEpisodeStatuses {
		if status == known {
			return true
		}
	}
	return false
}

// DigestStatus tracks a digest through curation and audio assembly.
type DigestStatus string

const (
	DigestCurating         DigestStatus = "curating"
	DigestPending          DigestStatus = "pending"
	DigestGeneratingScript DigestStatus = "generating_script"
	DigestGeneratingAudio  DigestStatus = "generating_audio"
	DigestStitching        DigestStatus = "stitching"
	DigestReady            DigestStatus = "ready"
	DigestFailed           DigestStatus = "failed"
)

var allDigestStatuses = []DigestStatus{
	DigestCurating,
	DigestPending,
	DigestGeneratingScript,
	DigestGeneratingAudio,
	DigestStitching,
	DigestReady,
	DigestFailed,
}

// ValidDigestStatus reports whether the value is a known digest status.
func ValidDigestStatus(status DigestStatus) bool {
	for _, known := range allDigestStatuses {
		if status == known {
			return true
		}
	}
	return false
}

// DigestPeriod selects the curation lookback window.
type DigestPeriod string

const (
	PeriodDaily  DigestPeriod = "daily"
	PeriodWeekly DigestPeriod = "weekly"
)

// Window returns the lookback duration the period covers.
func (p DigestPeriod) Window() time.Duration {
	if p == PeriodWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// Valid reports whether the period is daily or weekly.
func (p DigestPeriod) Valid() bool {
	return p == PeriodDaily || p == PeriodWeekly
}

// User is a digest recipient.
type User struct {
	ID            string
	Email         string
	Name          string
	Interests     []string
	Frequency     DigestPeriod
	DigestMinutes int
	CreatedAt     time.Time
}

// Podcast is an RSS feed the service ingests.
type Podcast struct {
	ID            string
	Title         string
	FeedURL       string
	Author        string
	Description   string
	ImageURL      string
	LastCheckedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Episode is a single feed entry with its pipeline state.
type Episode struct {
	ID              string
	PodcastID       string
	GUID            string
	Title           string
	Description     string
	AudioURL        string
	PublishedAt     time.Time
	DurationSeconds float64
	Status          EpisodeStatus
	TranscriptJSON  string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// PodcastTitle is populated by joins for display and prompting.
	PodcastTitle string
}

// TranscriptSegment is one timestamped span of a transcript.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the merged transcription document stored per episode.
type Transcript struct {
	Text     string              `json:"text"`
	Language string              `json:"language"`
	Duration float64             `json:"duration"`
	Segments []TranscriptSegment `json:"segments"`
}

// Clip is a highlight the analysis stage selected from one episode. Clips
// are canonical per episode and replaced wholesale on re-analysis.
type Clip struct {
	ID         string
	EpisodeID  string
	StartTime  float64
	EndTime    float64
	Transcript string
	Summary    string
	Reasoning  string
	Score      float64
	CreatedAt  time.Time

	// Populated by joins.
	EpisodeTitle string
	PodcastTitle string
	AudioURL     string
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	return c.EndTime - c.StartTime
}

// Digest is a curated, narrated audio roundup for one user and period.
type Digest struct {
	ID              string
	UserID          string
	Period          DigestPeriod
	Status          DigestStatus
	EpisodeIDs      []string
	ScriptJSON      string
	AudioPath       string
	IsPublic        bool
	ShareID         string
	DurationSeconds float64
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DigestClip orders a clip inside a digest.
type DigestClip struct {
	DigestID string
	ClipID   string
	Position int
}

// NarratorScript is the LLM-produced narration for a digest.
type NarratorScript struct {
	Intro       string   `json:"intro"`
	Transitions []string `json:"transitions"`
	Outro       string   `json:"outro"`
}
